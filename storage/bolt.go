package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/nelssec/qualys-lambda/types"
)

// Bucket names in bbolt
var (
	bucketScanCache = []byte("scan_cache")
	bucketMeta      = []byte("meta")
)

var keyLastPrune = []byte("last_prune")

// BoltCache is a ScanCache on a local bbolt file, for the CLI and daemon.
type BoltCache struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltCache opens (or creates) the cache file at path.
func NewBoltCache(path string) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketScanCache, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltCache{db: db, now: time.Now}, nil
}

// Close closes the storage
func (c *BoltCache) Close() error {
	return c.db.Close()
}

// Lookup implements ScanCacheReader.
func (c *BoltCache) Lookup(ctx context.Context, key types.CacheKey) (*types.CacheRecord, error) {
	if !key.Valid() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, &types.CacheError{Op: "lookup", Err: err}
	}

	var rec *types.CacheRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketScanCache).Get([]byte(key.String()))
		if data == nil {
			return nil
		}
		var r types.CacheRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, &types.CacheError{Op: "lookup", Err: err}
	}

	if rec == nil || rec.Expired(c.now()) {
		return nil, nil
	}
	return rec, nil
}

// Record implements ScanCacheWriter.
func (c *BoltCache) Record(ctx context.Context, rec types.CacheRecord) error {
	if !rec.Key().Valid() {
		return &types.CacheError{Op: "record", Err: fmt.Errorf("incomplete cache key")}
	}
	if err := ctx.Err(); err != nil {
		return &types.CacheError{Op: "record", Err: err}
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return &types.CacheError{Op: "record", Err: err}
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketScanCache).Put([]byte(rec.Key().String()), value)
	})
	if err != nil {
		return &types.CacheError{Op: "record", Err: err}
	}
	return nil
}

// Prune deletes expired records. bbolt has no TTL of its own.
func (c *BoltCache) Prune(ctx context.Context) (int, error) {
	now := c.now()
	removed := 0

	err := c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketScanCache)

		// collect first, deleting under a live cursor skips entries
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r types.CacheRecord
			if err := json.Unmarshal(v, &r); err != nil || r.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)

		stamp, err := now.UTC().MarshalText()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyLastPrune, stamp)
	})
	if err != nil {
		return 0, &types.CacheError{Op: "prune", Err: err}
	}
	return removed, nil
}

// LastPrune returns when Prune last completed, or the zero time.
func (c *BoltCache) LastPrune() (time.Time, error) {
	var t time.Time
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyLastPrune)
		if data == nil {
			return nil
		}
		return t.UnmarshalText(data)
	})
	return t, err
}
