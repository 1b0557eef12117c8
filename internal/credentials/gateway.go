// Package credentials resolves scanning service credentials from the
// secret store. Resolution is scoped to one invocation: a Gateway is built
// per invocation and only memoizes for its own lifetime.
package credentials

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/nelssec/qualys-lambda/internal/awsclient"
	"github.com/nelssec/qualys-lambda/types"
)

// secretPayload is the JSON document stored in the secret
type secretPayload struct {
	POD              string `json:"qualys_pod"`
	AccessToken      string `json:"qualys_access_token"`
	RegistryUsername string `json:"registry_username"`
	RegistryPassword string `json:"registry_password"`
	RegistryToken    string `json:"registry_token"`
}

// Gateway reads and validates credentials from Secrets Manager.
type Gateway struct {
	client      awsclient.SecretsManagerAPI
	secretID    string
	allowedPODs []string

	mu       sync.Mutex
	resolved *types.Credentials
}

// NewGateway creates a gateway for one invocation.
func NewGateway(client awsclient.SecretsManagerAPI, secretID string, allowedPODs []string) *Gateway {
	if len(allowedPODs) == 0 {
		allowedPODs = types.DefaultPODs
	}
	return &Gateway{
		client:      client,
		secretID:    secretID,
		allowedPODs: allowedPODs,
	}
}

// Resolve returns validated credentials, reading the secret at most once
// per gateway. Every failure is a *types.CredentialError.
func (g *Gateway) Resolve(ctx context.Context) (types.Credentials, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resolved != nil {
		return *g.resolved, nil
	}
	if g.secretID == "" {
		return types.Credentials{}, &types.CredentialError{Reason: "secret reference not configured"}
	}

	out, err := g.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(g.secretID),
	})
	if err != nil {
		return types.Credentials{}, &types.CredentialError{Reason: "read secret", Err: err}
	}

	raw := aws.ToString(out.SecretString)
	if raw == "" {
		return types.Credentials{}, &types.CredentialError{Reason: "secret has no string value"}
	}

	creds, err := decode([]byte(raw), g.allowedPODs)
	if err != nil {
		return types.Credentials{}, err
	}

	g.resolved = &creds
	return creds, nil
}

// Release drops the memoized value.
func (g *Gateway) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved != nil {
		g.resolved.Zero()
		g.resolved = nil
	}
}

// decode parses and validates the secret document. Validation errors
// name the field but never carry its value.
func decode(raw []byte, allowedPODs []string) (types.Credentials, error) {
	var p secretPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// the json error can quote secret bytes, so drop it
		return types.Credentials{}, &types.CredentialError{Reason: "secret is not a JSON object"}
	}

	if p.POD == "" {
		return types.Credentials{}, &types.CredentialError{Reason: "missing field qualys_pod"}
	}
	if p.AccessToken == "" {
		return types.Credentials{}, &types.CredentialError{Reason: "missing field qualys_access_token"}
	}

	checks := []struct {
		set   bool
		check func() error
	}{
		{true, func() error { return types.ValidatePOD(p.POD, allowedPODs) }},
		{true, func() error { return types.ValidateToken(p.AccessToken) }},
		{p.RegistryUsername != "", func() error { return types.ValidateRegistryUsername(p.RegistryUsername) }},
		{p.RegistryPassword != "", func() error { return types.ValidateRegistrySecret("registry_password", p.RegistryPassword) }},
		{p.RegistryToken != "", func() error { return types.ValidateRegistrySecret("registry_token", p.RegistryToken) }},
	}
	for _, c := range checks {
		if !c.set {
			continue
		}
		if err := c.check(); err != nil {
			return types.Credentials{}, &types.CredentialError{Reason: "malformed secret", Err: err}
		}
	}

	if (p.RegistryUsername == "") != (p.RegistryPassword == "") && p.RegistryToken == "" {
		return types.Credentials{}, &types.CredentialError{Reason: "registry_username and registry_password must be set together"}
	}

	return types.Credentials{
		POD:              p.POD,
		AccessToken:      p.AccessToken,
		RegistryUsername: p.RegistryUsername,
		RegistryPassword: p.RegistryPassword,
		RegistryToken:    p.RegistryToken,
	}, nil
}

