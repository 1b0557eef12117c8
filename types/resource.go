package types

import "time"

// Lambda package types as reported by GetFunction
const (
	PackageZip   = "Zip"
	PackageImage = "Image"
)

// ScanTarget is the validated, normalized view of the function to scan
type ScanTarget struct {
	FunctionARN  string    `json:"function_arn"`
	FunctionName string    `json:"function_name"`
	Partition    string    `json:"partition"`
	Region       string    `json:"region"`
	Account      string    `json:"account"`
	Kind         EventKind `json:"event_kind"`

	// Filled in from the metadata lookup, never from the event body.
	Fingerprint  string            `json:"code_sha256,omitempty"`
	PackageType  string            `json:"package_type,omitempty"`
	ImageURI     string            `json:"image_uri,omitempty"`
	Runtime      string            `json:"runtime,omitempty"`
	LastModified string            `json:"last_modified,omitempty"`
	CodeSize     int64             `json:"code_size,omitempty"`
	Tags         map[string]string `json:"-"`
}

// HasFingerprint reports whether a code fingerprint was obtained
func (t ScanTarget) HasFingerprint() bool {
	return t.Fingerprint != ""
}

// IsImage reports whether the function is deployed as a container image
func (t ScanTarget) IsImage() bool {
	return t.PackageType == PackageImage
}

// CacheKey returns the dedup key for this target
func (t ScanTarget) CacheKey() CacheKey {
	return CacheKey{FunctionARN: t.FunctionARN, Fingerprint: t.Fingerprint}
}

// WithMetadata returns a copy of t enriched with authoritative metadata
func (t ScanTarget) WithMetadata(md FunctionMetadata) ScanTarget {
	t.Fingerprint = md.CodeSha256
	t.PackageType = md.PackageType
	t.ImageURI = md.ImageURI
	t.Runtime = md.Runtime
	t.LastModified = md.LastModified
	t.CodeSize = md.CodeSize
	t.Tags = md.Tags
	return t
}

// FunctionMetadata is the current state of a function from the authoritative lookup
type FunctionMetadata struct {
	FunctionARN  string
	FunctionName string
	Runtime      string
	PackageType  string
	ImageURI     string
	CodeSha256   string
	LastModified string
	CodeSize     int64
	Tags         map[string]string
	FetchedAt    time.Time
}
