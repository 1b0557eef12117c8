package types

import "time"

// CacheKey identifies one code version of one function
type CacheKey struct {
	FunctionARN string
	Fingerprint string
}

// String renders the key as stored in the cache backends
func (k CacheKey) String() string {
	return k.FunctionARN + "#" + k.Fingerprint
}

// Valid reports whether both halves of the key are present
func (k CacheKey) Valid() bool {
	return k.FunctionARN != "" && k.Fingerprint != ""
}

// CacheRecord remembers the outcome of a scan for one code version
type CacheRecord struct {
	FunctionARN    string     `json:"function_arn" dynamodbav:"function_arn"`
	Fingerprint    string     `json:"fingerprint" dynamodbav:"fingerprint"`
	ScannedAt      time.Time  `json:"scanned_at" dynamodbav:"scanned_at"`
	Status         ScanStatus `json:"status" dynamodbav:"status"`
	CorrelationTag string     `json:"correlation_tag,omitempty" dynamodbav:"correlation_tag,omitempty"`
	ReportLocation string     `json:"report_location,omitempty" dynamodbav:"report_location,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at" dynamodbav:"-"`
}

// NewCacheRecord builds the record written after a concluded scan
func NewCacheRecord(target ScanTarget, outcome ScanOutcome, now time.Time, retention time.Duration) CacheRecord {
	scannedAt := outcome.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = now
	}
	return CacheRecord{
		FunctionARN:    target.FunctionARN,
		Fingerprint:    target.Fingerprint,
		ScannedAt:      scannedAt.UTC(),
		Status:         outcome.Status,
		CorrelationTag: outcome.CorrelationTag,
		ReportLocation: outcome.ReportLocation,
		ExpiresAt:      now.Add(retention).UTC(),
	}
}

// Key returns the record's cache key
func (r CacheRecord) Key() CacheKey {
	return CacheKey{FunctionARN: r.FunctionARN, Fingerprint: r.Fingerprint}
}

// Expired reports whether the record is no longer trustworthy at now
func (r CacheRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Outcome reconstructs the prior outcome carried by a cache hit
func (r CacheRecord) Outcome() ScanOutcome {
	return ScanOutcome{
		Status:         r.Status,
		CorrelationTag: r.CorrelationTag,
		ReportLocation: r.ReportLocation,
		ScannedAt:      r.ScannedAt,
		Cached:         true,
	}
}
