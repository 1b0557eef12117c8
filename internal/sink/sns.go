package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/nelssec/qualys-lambda/internal/awsclient"
	"github.com/nelssec/qualys-lambda/types"
)

// maxSubjectLen is the SNS limit on message subjects
const maxSubjectLen = 100

// SNSSink announces each completed scan on a topic.
type SNSSink struct {
	client   awsclient.SNSAPI
	topicARN string
}

// NewSNSSink creates a notification sink.
func NewSNSSink(client awsclient.SNSAPI, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN}
}

// Name implements Sink.
func (s *SNSSink) Name() string { return "sns" }

// Notification is the published message body
type Notification struct {
	FunctionName         string         `json:"function_name"`
	FunctionARN          string         `json:"function_arn"`
	ScanTimestamp        string         `json:"scan_timestamp"`
	ScanSuccess          bool           `json:"scan_success"`
	Status               string         `json:"status"`
	CorrelationTag       string         `json:"correlation_tag,omitempty"`
	ImageURI             string         `json:"image_uri,omitempty"`
	PackageType          string         `json:"package_type,omitempty"`
	VulnerabilitySummary *types.Summary `json:"vulnerability_summary,omitempty"`
	Cached               bool           `json:"cached"`
}

// Subject builds the message subject for a function
func Subject(functionName string) string {
	return types.Truncate("QScanner Results: "+functionName, maxSubjectLen)
}

// Publish implements Sink.
func (s *SNSSink) Publish(ctx context.Context, target types.ScanTarget, outcome types.ScanOutcome) error {
	msg, err := json.Marshal(Notification{
		FunctionName:         target.FunctionName,
		FunctionARN:          target.FunctionARN,
		ScanTimestamp:        outcome.ScannedAt.UTC().Format(time.RFC3339),
		ScanSuccess:          outcome.Succeeded(),
		Status:               string(outcome.Status),
		CorrelationTag:       outcome.CorrelationTag,
		ImageURI:             target.ImageURI,
		PackageType:          target.PackageType,
		VulnerabilitySummary: outcome.Summary,
		Cached:               outcome.Cached,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(Subject(target.FunctionName)),
		Message:  aws.String(string(msg)),
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
