package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelssec/qualys-lambda/types"
)

const (
	testARN = "arn:aws:lambda:us-east-1:123456789012:function:orders-api"
	testFP  = "n4bQgYhMfWWaL+qgxVrQFaO/TxsrC4Is0V1sFbDwCgg="
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testRecord(status types.ScanStatus, retention time.Duration) types.CacheRecord {
	target := types.ScanTarget{FunctionARN: testARN, Fingerprint: testFP}
	outcome := types.ScanOutcome{Status: status, CorrelationTag: "scan-123", ScannedAt: baseTime}
	return types.NewCacheRecord(target, outcome, baseTime, retention)
}

// cacheUnderTest lets the same behaviour suite run against both backends
type cacheUnderTest struct {
	name  string
	cache ScanCache
	clock *time.Time
}

func backends(t *testing.T) []cacheUnderTest {
	t.Helper()

	boltClock := baseTime
	bolt, err := NewBoltCache(filepath.Join(t.TempDir(), "cache", "scan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	bolt.now = func() time.Time { return boltClock }

	dynClock := baseTime
	dyn := NewDynamoCache(newMemoryDynamo(), "scan-cache")
	dyn.now = func() time.Time { return dynClock }

	return []cacheUnderTest{
		{"bolt", bolt, &boltClock},
		{"dynamo", dyn, &dynClock},
	}
}

func TestScanCache_RoundTrip(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord(types.StatusFailed, time.Hour)
			require.NoError(t, b.cache.Record(ctx, rec))

			got, err := b.cache.Lookup(ctx, rec.Key())
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, types.StatusFailed, got.Status)
			assert.Equal(t, "scan-123", got.CorrelationTag)
			assert.True(t, got.ScannedAt.Equal(baseTime))
			assert.True(t, got.ExpiresAt.Equal(baseTime.Add(time.Hour)))
		})
	}
}

func TestScanCache_Miss(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.cache.Record(ctx, testRecord(types.StatusSuccess, time.Hour)))

			got, err := b.cache.Lookup(ctx, types.CacheKey{FunctionARN: testARN, Fingerprint: "other"})
			require.NoError(t, err)
			assert.Nil(t, got)

			got, err = b.cache.Lookup(ctx, types.CacheKey{FunctionARN: testARN})
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestScanCache_Expired(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord(types.StatusSuccess, time.Hour)
			require.NoError(t, b.cache.Record(ctx, rec))

			*b.clock = baseTime.Add(time.Hour)
			got, err := b.cache.Lookup(ctx, rec.Key())
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestScanCache_RecordOverwrites(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.cache.Record(ctx, testRecord(types.StatusFailed, time.Hour)))
			require.NoError(t, b.cache.Record(ctx, testRecord(types.StatusSuccess, time.Hour)))

			got, err := b.cache.Lookup(ctx, types.CacheKey{FunctionARN: testARN, Fingerprint: testFP})
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, types.StatusSuccess, got.Status)
		})
	}
}

func TestScanCache_RecordRejectsIncompleteKey(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			err := b.cache.Record(context.Background(), types.CacheRecord{FunctionARN: testARN})
			var cerr *types.CacheError
			assert.True(t, errors.As(err, &cerr))
		})
	}
}

func TestBoltCache_Prune(t *testing.T) {
	cache, err := NewBoltCache(filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	defer cache.Close()

	now := baseTime
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	short := testRecord(types.StatusSuccess, time.Minute)
	long := testRecord(types.StatusSuccess, 48*time.Hour)
	long.Fingerprint = "5f70bf18a086007016e948b04aed3b82103a36bea41755b6cddfaf10ace3c6ef"
	require.NoError(t, cache.Record(ctx, short))
	require.NoError(t, cache.Record(ctx, long))

	now = baseTime.Add(time.Hour)
	removed, err := cache.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := cache.Lookup(ctx, long.Key())
	require.NoError(t, err)
	assert.NotNil(t, got)

	last, err := cache.LastPrune()
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

func TestBoltCache_ReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.db")
	cache, err := NewBoltCache(path)
	require.NoError(t, err)
	rec := testRecord(types.StatusSuccess, 100*365*24*time.Hour)
	require.NoError(t, cache.Record(context.Background(), rec))
	require.NoError(t, cache.Close())

	cache, err = NewBoltCache(path)
	require.NoError(t, err)
	defer cache.Close()
	got, err := cache.Lookup(context.Background(), rec.Key())
	require.NoError(t, err)
	assert.NotNil(t, got)
}

type mockDynamoDBClient struct {
	GetItemFunc func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItemFunc func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return m.GetItemFunc(ctx, params, optFns...)
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return m.PutItemFunc(ctx, params, optFns...)
}

// newMemoryDynamo is a single-table in-memory DynamoDB keyed on pk
func newMemoryDynamo() *mockDynamoDBClient {
	items := map[string]map[string]ddbtypes.AttributeValue{}
	return &mockDynamoDBClient{
		GetItemFunc: func(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			pk := params.Key[AttrPK].(*ddbtypes.AttributeValueMemberS).Value
			return &dynamodb.GetItemOutput{Item: items[pk]}, nil
		},
		PutItemFunc: func(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			pk := params.Item[AttrPK].(*ddbtypes.AttributeValueMemberS).Value
			items[pk] = params.Item
			return &dynamodb.PutItemOutput{}, nil
		},
	}
}

func TestDynamoCache_ItemShape(t *testing.T) {
	var put *dynamodb.PutItemInput
	mock := newMemoryDynamo()
	inner := mock.PutItemFunc
	mock.PutItemFunc = func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
		put = params
		return inner(ctx, params, optFns...)
	}

	cache := NewDynamoCache(mock, "scan-cache")
	rec := testRecord(types.StatusSuccess, 30*24*time.Hour)
	require.NoError(t, cache.Record(context.Background(), rec))

	require.NotNil(t, put)
	assert.Equal(t, "scan-cache", aws.ToString(put.TableName))
	assert.Equal(t, testARN+"#"+testFP, put.Item[AttrPK].(*ddbtypes.AttributeValueMemberS).Value)

	ttl, ok := put.Item[AttrExpiresAt].(*ddbtypes.AttributeValueMemberN)
	require.True(t, ok, "expires_at must be a number for DynamoDB TTL")
	assert.Equal(t, "1743422400", ttl.Value)
	assert.Equal(t, "success", put.Item["status"].(*ddbtypes.AttributeValueMemberS).Value)
}

func TestDynamoCache_ConsistentRead(t *testing.T) {
	var get *dynamodb.GetItemInput
	mock := newMemoryDynamo()
	mock.GetItemFunc = func(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
		get = params
		return &dynamodb.GetItemOutput{}, nil
	}

	got, err := NewDynamoCache(mock, "t").Lookup(context.Background(), types.CacheKey{FunctionARN: testARN, Fingerprint: testFP})
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NotNil(t, get)
	assert.True(t, aws.ToBool(get.ConsistentRead))
}

func TestDynamoCache_Errors(t *testing.T) {
	mock := &mockDynamoDBClient{
		GetItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return nil, errors.New("throttled")
		},
		PutItemFunc: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	cache := NewDynamoCache(mock, "t")
	var cerr *types.CacheError

	_, err := cache.Lookup(context.Background(), types.CacheKey{FunctionARN: testARN, Fingerprint: testFP})
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, "lookup", cerr.Op)

	err = cache.Record(context.Background(), testRecord(types.StatusSuccess, time.Hour))
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, "record", cerr.Op)
}
