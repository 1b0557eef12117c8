package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nelssec/qualys-lambda/internal/awsclient"
	"github.com/nelssec/qualys-lambda/types"
)

// Attribute names in the cache table. The table's TTL setting must point
// at AttrExpiresAt.
const (
	AttrPK        = "pk"
	AttrExpiresAt = "expires_at"
)

// dynamoItem is the stored shape of a CacheRecord
type dynamoItem struct {
	PK             string           `dynamodbav:"pk"`
	FunctionARN    string           `dynamodbav:"function_arn"`
	Fingerprint    string           `dynamodbav:"fingerprint"`
	ScannedAt      time.Time        `dynamodbav:"scanned_at"`
	Status         types.ScanStatus `dynamodbav:"status"`
	CorrelationTag string           `dynamodbav:"correlation_tag,omitempty"`
	ReportLocation string           `dynamodbav:"report_location,omitempty"`
	ExpiresAt      int64            `dynamodbav:"expires_at"`
}

// DynamoCache is a ScanCache on a DynamoDB table keyed by pk = arn#fingerprint.
type DynamoCache struct {
	client awsclient.DynamoDBAPI
	table  string
	now    func() time.Time
}

// NewDynamoCache creates a cache on the given table.
func NewDynamoCache(client awsclient.DynamoDBAPI, table string) *DynamoCache {
	return &DynamoCache{client: client, table: table, now: time.Now}
}

// Lookup implements ScanCacheReader. DynamoDB reclaims expired items
// lazily, so expiry is checked again here.
func (c *DynamoCache) Lookup(ctx context.Context, key types.CacheKey) (*types.CacheRecord, error) {
	if !key.Valid() {
		return nil, nil
	}

	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            map[string]ddbtypes.AttributeValue{AttrPK: &ddbtypes.AttributeValueMemberS{Value: key.String()}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, &types.CacheError{Op: "lookup", Err: err}
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, &types.CacheError{Op: "lookup", Err: fmt.Errorf("decode item: %w", err)}
	}

	rec := types.CacheRecord{
		FunctionARN:    item.FunctionARN,
		Fingerprint:    item.Fingerprint,
		ScannedAt:      item.ScannedAt,
		Status:         item.Status,
		CorrelationTag: item.CorrelationTag,
		ReportLocation: item.ReportLocation,
		ExpiresAt:      time.Unix(item.ExpiresAt, 0).UTC(),
	}
	if rec.Key() != key || rec.Expired(c.now()) {
		return nil, nil
	}
	return &rec, nil
}

// Record implements ScanCacheWriter with an unconditional PutItem.
func (c *DynamoCache) Record(ctx context.Context, rec types.CacheRecord) error {
	if !rec.Key().Valid() {
		return &types.CacheError{Op: "record", Err: fmt.Errorf("incomplete cache key")}
	}

	item, err := attributevalue.MarshalMap(dynamoItem{
		PK:             rec.Key().String(),
		FunctionARN:    rec.FunctionARN,
		Fingerprint:    rec.Fingerprint,
		ScannedAt:      rec.ScannedAt.UTC(),
		Status:         rec.Status,
		CorrelationTag: rec.CorrelationTag,
		ReportLocation: rec.ReportLocation,
		ExpiresAt:      rec.ExpiresAt.Unix(),
	})
	if err != nil {
		return &types.CacheError{Op: "record", Err: fmt.Errorf("encode item: %w", err)}
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	})
	if err != nil {
		return &types.CacheError{Op: "record", Err: err}
	}
	return nil
}
