package credentials

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"

	"github.com/nelssec/qualys-lambda/internal/awsclient"
	"github.com/nelssec/qualys-lambda/types"
)

// ECRAuth fetches short-lived registry credentials for image-packaged
// functions whose secret carries none.
type ECRAuth struct {
	client awsclient.ECRAPI
}

// NewECRAuth creates an ECR registry credential source.
func NewECRAuth(client awsclient.ECRAPI) *ECRAuth {
	return &ECRAuth{client: client}
}

// Attach adds ECR registry credentials to creds when the target is an
// image and creds has no registry credentials of its own.
func (e *ECRAuth) Attach(ctx context.Context, target types.ScanTarget, creds types.Credentials) (types.Credentials, error) {
	if e == nil || !target.IsImage() || creds.HasRegistry() {
		return creds, nil
	}
	user, pass, err := e.RegistryCredentials(ctx)
	if err != nil {
		return creds, err
	}
	creds.RegistryUsername = user
	creds.RegistryPassword = pass
	return creds, nil
}

// RegistryCredentials decodes the first ECR authorization token into a
// username and password pair.
func (e *ECRAuth) RegistryCredentials(ctx context.Context) (string, string, error) {
	out, err := e.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", &types.CredentialError{Reason: "get ECR authorization token", Err: err}
	}
	if len(out.AuthorizationData) == 0 {
		return "", "", &types.CredentialError{Reason: "ECR returned no authorization data"}
	}

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return "", "", &types.CredentialError{Reason: "ECR token is not base64"}
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok || user == "" || pass == "" {
		return "", "", &types.CredentialError{Reason: "ECR token is not user:password"}
	}

	if err := types.ValidateRegistryUsername(user); err != nil {
		return "", "", &types.CredentialError{Reason: "malformed ECR token", Err: err}
	}
	if err := types.ValidateRegistrySecret("registry_password", pass); err != nil {
		return "", "", &types.CredentialError{Reason: "malformed ECR token", Err: err}
	}
	return user, pass, nil
}
