// Package storage holds the scan cache: a content-addressed record of the
// last outcome for each (function, code fingerprint) pair.
package storage

import (
	"context"

	"github.com/nelssec/qualys-lambda/types"
)

// ScanCacheReader looks up prior outcomes
type ScanCacheReader interface {
	// Lookup returns nil, nil on a miss or an expired record.
	Lookup(ctx context.Context, key types.CacheKey) (*types.CacheRecord, error)
}

// ScanCacheWriter records concluded outcomes
type ScanCacheWriter interface {
	// Record writes unconditionally, replacing any previous record for the key.
	Record(ctx context.Context, rec types.CacheRecord) error
}

// ScanCache combines read and write for the scan cache
type ScanCache interface {
	ScanCacheReader
	ScanCacheWriter
}

// Pruner removes expired records from stores without native TTL
type Pruner interface {
	Prune(ctx context.Context) (removed int, err error)
}
