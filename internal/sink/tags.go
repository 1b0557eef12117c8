package sink

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/nelssec/qualys-lambda/internal/awsclient"
	"github.com/nelssec/qualys-lambda/types"
)

// TagSink stamps the scan annotation onto the function itself.
type TagSink struct {
	client awsclient.LambdaAPI
}

// NewTagSink creates an annotation sink.
func NewTagSink(client awsclient.LambdaAPI) *TagSink {
	return &TagSink{client: client}
}

// Name implements Sink.
func (s *TagSink) Name() string { return "tags" }

// Publish implements Sink.
func (s *TagSink) Publish(ctx context.Context, target types.ScanTarget, outcome types.ScanOutcome) error {
	_, err := s.client.TagResource(ctx, &lambda.TagResourceInput{
		Resource: aws.String(target.FunctionARN),
		Tags:     types.NewAnnotation(outcome).Tags(),
	})
	if err != nil {
		return fmt.Errorf("tag resource: %w", err)
	}
	return nil
}
