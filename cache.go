package keytower

import (
	"fmt"

	"github.com/keytower/keytower/internal"
)

// keyLoaderFunc loads (or creates, if absent) the key identified by meta.
// For GetOrLoadLatest, meta.Created is 0 (IsLatest); the loader is
// responsible for resolving that to an actual key.
type keyLoaderFunc func(meta KeyMeta) (*internal.CryptoKey, error)

// cacheKey formats id/created into the flat string key the backing LRU uses.
func cacheKey(id string, created int64) string {
	return fmt.Sprintf("%s-%d", id, created)
}

// cache caches CryptoKeys for reuse across encrypt/decrypt calls, tracking
// their freshness so a cached entry doesn't outlive RevokeCheckInterval
// without being checked against the metastore again.
type cache interface {
	// GetOrLoad returns the key identified by meta, which must be a fully
	// qualified (ID, Created) pair, loading it via loader on a miss.
	GetOrLoad(meta KeyMeta, loader keyLoaderFunc) (*cachedCryptoKey, error)

	// GetOrLoadLatest returns the most recently cached key for id, reloading
	// via loader if it's missing, stale, or no longer valid per policy.
	GetOrLoadLatest(id string, loader keyLoaderFunc) (*cachedCryptoKey, error)

	// Close releases every key held by the cache.
	Close() error
}
