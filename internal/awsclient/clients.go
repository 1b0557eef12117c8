// Package awsclient builds the AWS service clients used by the scan
// orchestrator behind narrow interfaces, so every consumer can be tested
// with hand-written mocks.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"
)

// RoleSessionName identifies cross-account sessions in CloudTrail
const RoleSessionName = "QScannerSession"

// Config holds client construction settings.
type Config struct {
	Region string

	// CrossAccountRoleARN, when set, is assumed for the Lambda client so
	// metadata lookup and tagging act on functions in another account.
	CrossAccountRoleARN string
}

// Clients bundles every service client the orchestrator talks to.
type Clients struct {
	Region string

	Lambda         LambdaAPI
	SecretsManager SecretsManagerAPI
	ECR            ECRAPI
	DynamoDB       DynamoDBAPI
	S3             S3API
	SNS            SNSAPI
	SQS            SQSAPI
}

// New loads the default AWS configuration and creates all clients.
func New(ctx context.Context, cfg Config) (*Clients, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	lambdaCfg := awsCfg
	if cfg.CrossAccountRoleARN != "" {
		lambdaCfg = AssumeRole(awsCfg, sts.NewFromConfig(awsCfg), cfg.CrossAccountRoleARN)
		log.Info().Str("role_arn", cfg.CrossAccountRoleARN).Msg("using cross-account role for lambda client")
	}

	return &Clients{
		Region:         awsCfg.Region,
		Lambda:         lambda.NewFromConfig(lambdaCfg),
		SecretsManager: secretsmanager.NewFromConfig(awsCfg),
		ECR:            ecr.NewFromConfig(awsCfg),
		DynamoDB:       dynamodb.NewFromConfig(awsCfg),
		S3:             s3.NewFromConfig(awsCfg),
		SNS:            sns.NewFromConfig(awsCfg),
		SQS:            sqs.NewFromConfig(awsCfg),
	}, nil
}

// AssumeRole returns a copy of base whose credentials come from assuming
// roleARN. Credentials are fetched lazily and refreshed before expiry.
func AssumeRole(base aws.Config, client stscreds.AssumeRoleAPIClient, roleARN string) aws.Config {
	provider := stscreds.NewAssumeRoleProvider(client, roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = RoleSessionName
	})
	assumed := base.Copy()
	assumed.Credentials = aws.NewCredentialsCache(provider)
	return assumed
}
