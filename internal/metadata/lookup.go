// Package metadata reads the authoritative state of a Lambda function.
// The code fingerprint used for cache decisions comes from here, never
// from the triggering event.
package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/nelssec/qualys-lambda/internal/awsclient"
	"github.com/nelssec/qualys-lambda/types"
)

// Lookup describes functions through the Lambda control plane.
type Lookup struct {
	client awsclient.LambdaAPI
	now    func() time.Time
}

// NewLookup creates a metadata lookup.
func NewLookup(client awsclient.LambdaAPI) *Lookup {
	return &Lookup{client: client, now: time.Now}
}

// Describe returns the function's current metadata. A fingerprint that
// does not match the expected digest grammar is an error.
func (l *Lookup) Describe(ctx context.Context, functionARN string) (types.FunctionMetadata, error) {
	if err := types.ValidateFunctionARN(functionARN); err != nil {
		return types.FunctionMetadata{}, err
	}

	out, err := l.client.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(functionARN),
	})
	if err != nil {
		return types.FunctionMetadata{}, fmt.Errorf("get function: %w", err)
	}
	if out.Configuration == nil {
		return types.FunctionMetadata{}, fmt.Errorf("get function: response has no configuration")
	}

	cfg := out.Configuration
	md := types.FunctionMetadata{
		FunctionARN:  aws.ToString(cfg.FunctionArn),
		FunctionName: aws.ToString(cfg.FunctionName),
		Runtime:      string(cfg.Runtime),
		PackageType:  string(cfg.PackageType),
		CodeSha256:   aws.ToString(cfg.CodeSha256),
		LastModified: aws.ToString(cfg.LastModified),
		CodeSize:     cfg.CodeSize,
		Tags:         out.Tags,
		FetchedAt:    l.now().UTC(),
	}
	if md.PackageType == "" {
		md.PackageType = types.PackageZip
	}
	if out.Code != nil {
		md.ImageURI = aws.ToString(out.Code.ResolvedImageUri)
		if md.ImageURI == "" {
			md.ImageURI = aws.ToString(out.Code.ImageUri)
		}
	}

	if md.CodeSha256 == "" {
		return md, fmt.Errorf("get function: no code fingerprint")
	}
	if err := types.ValidateFingerprint(md.CodeSha256); err != nil {
		return md, err
	}
	return md, nil
}
