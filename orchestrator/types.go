package orchestrator

import (
	"context"

	"github.com/nelssec/qualys-lambda/types"
)

// Invocation statuses reported back to the event source.
const (
	StatusScanned  = "scanned"
	StatusCached   = "cached"
	StatusSkipped  = "skipped"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// Response is returned to the triggering caller. It carries no internal
// error detail; warnings name failed sinks only.
type Response struct {
	StatusCode     int              `json:"statusCode"`
	Status         string           `json:"status"`
	Message        string           `json:"message"`
	FunctionARN    string           `json:"function_arn,omitempty"`
	PackageType    string           `json:"package_type,omitempty"`
	Cached         bool             `json:"cached"`
	ScanStatus     types.ScanStatus `json:"scan_status,omitempty"`
	ScanSuccess    bool             `json:"scan_success"`
	CorrelationTag string           `json:"correlation_tag,omitempty"`
	Warnings       []string         `json:"warnings,omitempty"`
}

// MetadataSource reads the current state of a function.
type MetadataSource interface {
	Describe(ctx context.Context, functionARN string) (types.FunctionMetadata, error)
}

// CredentialSource supplies scanning service credentials for one invocation.
type CredentialSource interface {
	Resolve(ctx context.Context) (types.Credentials, error)
	Release()
}

// RegistryAuth adds private registry credentials for image functions.
type RegistryAuth interface {
	Attach(ctx context.Context, target types.ScanTarget, creds types.Credentials) (types.Credentials, error)
}

// Runner executes the scanner against one target.
type Runner interface {
	Run(ctx context.Context, target types.ScanTarget, creds types.Credentials) (types.ExecResult, error)
}

// Publisher propagates outcomes to the configured sinks.
type Publisher interface {
	Publish(ctx context.Context, target types.ScanTarget, outcome types.ScanOutcome) []*types.SinkError
	Annotate(ctx context.Context, target types.ScanTarget, outcome types.ScanOutcome) []*types.SinkError
}
