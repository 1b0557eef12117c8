package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nelssec/qualys-lambda/internal/awsclient"
	"github.com/nelssec/qualys-lambda/types"
)

// S3Sink stores the raw scanner report in a bucket.
type S3Sink struct {
	client   awsclient.S3API
	bucket   string
	kmsKeyID string
}

// NewS3Sink creates a report sink. Objects are encrypted with the given
// KMS key, or with S3-managed keys when kmsKeyID is empty.
func NewS3Sink(client awsclient.S3API, bucket, kmsKeyID string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, kmsKeyID: kmsKeyID}
}

// Name implements Sink.
func (s *S3Sink) Name() string { return "s3" }

// s3Document is the stored object body
type s3Document struct {
	ScanTimestamp  string          `json:"scan_timestamp"`
	LambdaFunction string          `json:"lambda_function"`
	FunctionARN    string          `json:"function_arn"`
	Status         string          `json:"status"`
	CorrelationTag string          `json:"correlation_tag,omitempty"`
	ScanResults    json.RawMessage `json:"scan_results"`
}

// ObjectKey is where a report for the function scanned at ts is stored.
func ObjectKey(functionName string, ts time.Time) string {
	return fmt.Sprintf("scans/%s/%s.json", functionName, ts.UTC().Format(time.RFC3339))
}

// Publish implements Sink. Outcomes without a report are not stored.
func (s *S3Sink) Publish(ctx context.Context, target types.ScanTarget, outcome types.ScanOutcome) error {
	if len(outcome.Report) == 0 {
		return nil
	}

	results := json.RawMessage(outcome.Report)
	if !json.Valid(results) {
		quoted, err := json.Marshal(string(outcome.Report))
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		results = quoted
	}

	body, err := json.Marshal(s3Document{
		ScanTimestamp:  outcome.ScannedAt.UTC().Format(time.RFC3339),
		LambdaFunction: target.FunctionName,
		FunctionARN:    target.FunctionARN,
		Status:         string(outcome.Status),
		CorrelationTag: outcome.CorrelationTag,
		ScanResults:    results,
	})
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(ObjectKey(target.FunctionName, outcome.ScannedAt)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if s.kmsKeyID != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.kmsKeyID)
	} else {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
