package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testARN    = "arn:aws:lambda:us-east-1:123456789012:function:orders-api"
	testSha256 = "n4bQgYhMfWWaL+qgxVrQFaO/TxsrC4Is0V1sFbDwCgg="
)

type mockLambdaClient struct {
	GetFunctionFunc func(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
}

func (m *mockLambdaClient) GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	return m.GetFunctionFunc(ctx, params, optFns...)
}

func (m *mockLambdaClient) TagResource(_ context.Context, _ *lambda.TagResourceInput, _ ...func(*lambda.Options)) (*lambda.TagResourceOutput, error) {
	return &lambda.TagResourceOutput{}, nil
}

func returning(out *lambda.GetFunctionOutput, err error) *mockLambdaClient {
	return &mockLambdaClient{
		GetFunctionFunc: func(_ context.Context, _ *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
			return out, err
		},
	}
}

func TestDescribe_Zip(t *testing.T) {
	var gotName string
	mock := returning(&lambda.GetFunctionOutput{
		Configuration: &lambdatypes.FunctionConfiguration{
			FunctionArn:  aws.String(testARN),
			FunctionName: aws.String("orders-api"),
			Runtime:      lambdatypes.RuntimePython312,
			CodeSha256:   aws.String(testSha256),
			LastModified: aws.String("2025-03-01T12:00:00.000+0000"),
			CodeSize:     2048,
		},
		Tags: map[string]string{"team": "payments"},
	}, nil)
	inner := mock.GetFunctionFunc
	mock.GetFunctionFunc = func(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
		gotName = aws.ToString(params.FunctionName)
		return inner(ctx, params, optFns...)
	}

	lookup := NewLookup(mock)
	fixed := time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC)
	lookup.now = func() time.Time { return fixed }

	md, err := lookup.Describe(context.Background(), testARN)
	require.NoError(t, err)
	assert.Equal(t, testARN, gotName)
	assert.Equal(t, testSha256, md.CodeSha256)
	assert.Equal(t, "Zip", md.PackageType)
	assert.Equal(t, "python3.12", md.Runtime)
	assert.Equal(t, int64(2048), md.CodeSize)
	assert.Equal(t, "payments", md.Tags["team"])
	assert.Equal(t, fixed, md.FetchedAt)
	assert.Empty(t, md.ImageURI)
}

func TestDescribe_Image(t *testing.T) {
	mock := returning(&lambda.GetFunctionOutput{
		Configuration: &lambdatypes.FunctionConfiguration{
			FunctionArn: aws.String(testARN),
			PackageType: lambdatypes.PackageTypeImage,
			CodeSha256:  aws.String("5f70bf18a086007016e948b04aed3b82103a36bea41755b6cddfaf10ace3c6ef"),
		},
		Code: &lambdatypes.FunctionCodeLocation{
			ImageUri:         aws.String("123456789012.dkr.ecr.us-east-1.amazonaws.com/orders:latest"),
			ResolvedImageUri: aws.String("123456789012.dkr.ecr.us-east-1.amazonaws.com/orders@sha256:abc"),
		},
	}, nil)

	md, err := NewLookup(mock).Describe(context.Background(), testARN)
	require.NoError(t, err)
	assert.Equal(t, "Image", md.PackageType)
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com/orders@sha256:abc", md.ImageURI)
}

func TestDescribe_Errors(t *testing.T) {
	tests := []struct {
		name string
		arn  string
		mock *mockLambdaClient
	}{
		{
			name: "invalid arn",
			arn:  "orders-api",
			mock: returning(nil, errors.New("should not be called")),
		},
		{
			name: "api failure",
			arn:  testARN,
			mock: returning(nil, errors.New("throttled")),
		},
		{
			name: "no configuration",
			arn:  testARN,
			mock: returning(&lambda.GetFunctionOutput{}, nil),
		},
		{
			name: "no fingerprint",
			arn:  testARN,
			mock: returning(&lambda.GetFunctionOutput{Configuration: &lambdatypes.FunctionConfiguration{}}, nil),
		},
		{
			name: "malformed fingerprint",
			arn:  testARN,
			mock: returning(&lambda.GetFunctionOutput{Configuration: &lambdatypes.FunctionConfiguration{
				CodeSha256: aws.String("not-a-digest; echo"),
			}}, nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLookup(tt.mock).Describe(context.Background(), tt.arn)
			assert.Error(t, err)
		})
	}
}
