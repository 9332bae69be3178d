package keytower

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keytower/keytower/internal"
	pkgcache "github.com/keytower/keytower/pkg/cache"
	"github.com/keytower/keytower/pkg/log"
)

// cachedCryptoKey wraps a CryptoKey with a reference count: 1 on behalf of
// the cache itself, plus 1 for every caller currently holding it. Close
// decrements the count and only wipes the underlying secret once it hits
// zero, so an eviction racing a concurrent reader never closes a key out
// from under it.
type cachedCryptoKey struct {
	*internal.CryptoKey

	refs atomic.Int64
}

func newCachedCryptoKey(k *internal.CryptoKey) *cachedCryptoKey {
	c := &cachedCryptoKey{CryptoKey: k}
	c.refs.Add(1)

	return c
}

// Close decrements the reference count, closing the underlying key once it
// reaches zero. Reports whether this call was the one that closed it.
func (c *cachedCryptoKey) Close() bool {
	if c.refs.Add(-1) > 0 {
		return false
	}

	log.Debugf("closing cached key: %s", c.CryptoKey)
	c.CryptoKey.Close()

	return true
}

func (c *cachedCryptoKey) increment() *cachedCryptoKey {
	c.refs.Add(1)
	return c
}

// cacheEntry pairs a cached key with the time it was loaded, used to judge
// staleness against RevokeCheckInterval.
type cacheEntry struct {
	loadedAt time.Time
	key      *cachedCryptoKey
}

func newCacheEntry(k *internal.CryptoKey) cacheEntry {
	return cacheEntry{loadedAt: time.Now(), key: newCachedCryptoKey(k)}
}

func isReloadRequired(e cacheEntry, checkInterval time.Duration) bool {
	if e.key.Revoked() {
		return false
	}

	return e.loadedAt.Add(checkInterval).Before(time.Now())
}

// keyCache is a reference-counted, freshness-checked key cache backed by
// pkg/cache's bounded LRU. Entries are indexed by the flat (id, created)
// cache key; a second map tracks, per id, which fully-qualified entry is
// "latest" so GetOrLoadLatest can find it without a linear scan.
//
// An eviction (either the LRU dropping an entry for capacity, or a reload
// superseding a stale one) never blocks on a caller still mid-use of the
// old key: the evicted cachedCryptoKey is parked on an orphan list and
// retried by a background sweep until its refcount drains to zero.
type keyCache struct {
	policy *CryptoPolicy

	rw   sync.RWMutex
	keys pkgcache.Interface[string, cacheEntry]

	latestMu sync.Mutex
	latest   map[string]KeyMeta

	orphanMu sync.Mutex
	orphans  []*cachedCryptoKey

	sweepDone chan struct{}
	closeOnce sync.Once
}

func newKeyCache(maxSize int, evictionPolicy string, policy *CryptoPolicy) *keyCache {
	c := &keyCache{
		policy:    policy,
		latest:    make(map[string]KeyMeta),
		sweepDone: make(chan struct{}),
	}

	c.keys = pkgcache.New[string, cacheEntry](maxSize).
		WithPolicy(evictionPolicy).
		WithEvictFunc(func(id string, e cacheEntry) {
			log.Debugf("evicting cached key -- id: %s", id)

			if !e.key.Close() {
				c.orphanMu.Lock()
				c.orphans = append(c.orphans, e.key)
				c.orphanMu.Unlock()
			}
		}).
		Build()

	go c.sweepLoop()

	return c
}

func (c *keyCache) sweepLoop() {
	interval := c.policy.RevokeCheckInterval
	if interval <= 0 {
		interval = DefaultRevokeCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepOrphans()
		case <-c.sweepDone:
			return
		}
	}
}

// sweepOrphans retries Close on every parked orphan, keeping only the ones
// still referenced by a caller.
func (c *keyCache) sweepOrphans() {
	c.orphanMu.Lock()
	pending := c.orphans
	c.orphans = nil
	c.orphanMu.Unlock()

	var remaining []*cachedCryptoKey

	for _, o := range pending {
		if !o.Close() {
			remaining = append(remaining, o)
		}
	}

	if len(remaining) > 0 {
		c.orphanMu.Lock()
		c.orphans = append(c.orphans, remaining...)
		c.orphanMu.Unlock()
	}
}

// read returns the entry for the flat cache key, resolving id through the
// latest-pointer map first if meta.IsLatest().
func (c *keyCache) read(meta KeyMeta) (cacheEntry, bool) {
	key := cacheKey(meta.ID, meta.Created)

	if meta.IsLatest() {
		if latest, ok := c.getLatest(meta.ID); ok {
			key = cacheKey(latest.ID, latest.Created)
		}
	}

	return c.keys.Get(key)
}

func (c *keyCache) getLatest(id string) (KeyMeta, bool) {
	c.latestMu.Lock()
	defer c.latestMu.Unlock()

	latest, ok := c.latest[id]

	return latest, ok
}

func (c *keyCache) setLatest(id string, meta KeyMeta) {
	c.latestMu.Lock()
	c.latest[id] = meta
	c.latestMu.Unlock()
}

// write stores e under meta's fully qualified cache key, updating the
// latest-pointer map for meta.ID if e is newer than what's there.
func (c *keyCache) write(meta KeyMeta, e cacheEntry) {
	if meta.IsLatest() {
		meta = KeyMeta{ID: meta.ID, Created: e.key.Created()}
		c.setLatest(meta.ID, meta)
	} else if latest, ok := c.getLatest(meta.ID); !ok || latest.Created < e.key.Created() {
		c.setLatest(meta.ID, meta)
	}

	key := cacheKey(meta.ID, meta.Created)

	// A different key already cached under this id/created is superseded:
	// release the cache's reference to it exactly as an eviction does.
	if old, ok := c.keys.Get(key); ok && old.key != e.key && !old.key.Close() {
		c.orphanMu.Lock()
		c.orphans = append(c.orphans, old.key)
		c.orphanMu.Unlock()
	}

	c.keys.Set(key, e)
}

// getFresh returns the cached key for meta if present and not yet stale.
func (c *keyCache) getFresh(meta KeyMeta) (*cachedCryptoKey, bool) {
	e, ok := c.read(meta)
	if !ok {
		return nil, false
	}

	if isReloadRequired(e, c.policy.RevokeCheckInterval) {
		return e.key, false
	}

	return e.key, true
}

// load fetches meta via loader and stores the result, reusing the existing
// cache entry (just refreshing its revoked flag and loadedAt) when the
// loader returned the same (id, created) key we already had cached.
func (c *keyCache) load(meta KeyMeta, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	k, err := loader(meta)
	if err != nil {
		return nil, err
	}

	if e, ok := c.read(meta); ok && e.key.Created() == k.Created() {
		e.key.SetRevoked(k.Revoked())
		e.loadedAt = time.Now()
		c.write(meta, e)
		k.Close()

		return e.key, nil
	}

	e := newCacheEntry(k)
	c.write(KeyMeta{ID: meta.ID, Created: k.Created()}, e)

	return e.key, nil
}

// GetOrLoad returns the key for a fully qualified meta, loading it via
// loader on a miss.
func (c *keyCache) GetOrLoad(meta KeyMeta, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	c.rw.RLock()
	k, ok := c.getFresh(meta)
	c.rw.RUnlock()

	if ok {
		return k.increment(), nil
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	if k, ok := c.getFresh(meta); ok {
		return k.increment(), nil
	}

	k, err := c.load(meta, loader)
	if err != nil {
		return nil, err
	}

	return k.increment(), nil
}

// GetOrLoadLatest returns the latest cached key for id, reloading via
// loader if missing, stale, or (per policy) no longer valid.
func (c *keyCache) GetOrLoadLatest(id string, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	c.rw.Lock()
	defer c.rw.Unlock()

	meta := KeyMeta{ID: id}

	k, ok := c.getFresh(meta)
	if !ok {
		loaded, err := c.load(meta, loader)
		if err != nil {
			return nil, err
		}

		k = loaded
	}

	if internal.IsKeyInvalid(k.CryptoKey, c.policy.ExpireKeyAfter) {
		reloaded, err := loader(meta)
		if err != nil {
			return nil, err
		}

		e := newCacheEntry(reloaded)
		c.write(KeyMeta{ID: id, Created: reloaded.Created()}, e)

		return e.key.increment(), nil
	}

	return k.increment(), nil
}

// Close evicts and closes every cached key, then stops the background
// orphan sweep.
func (c *keyCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.sweepDone)
	})

	err := c.keys.Close()

	c.sweepOrphans()

	c.orphanMu.Lock()
	if n := len(c.orphans); n > 0 {
		log.Debugf("keyCache.Close: %d key(s) still referenced after close", n)
	}
	c.orphanMu.Unlock()

	return err
}

func (c *keyCache) String() string {
	return fmt.Sprintf("keyCache(%p){size=%d,cap=%d}", c, c.keys.Len(), c.keys.Capacity())
}

var _ cache = (*keyCache)(nil)

// neverCache never retains anything: every call hits the loader directly
// and the resulting key is owned solely by the caller. Used when
// CryptoPolicy disables caching for a key type.
type neverCache struct{}

func (neverCache) GetOrLoad(meta KeyMeta, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	k, err := loader(meta)
	if err != nil {
		return nil, err
	}

	return newCachedCryptoKey(k), nil
}

func (neverCache) GetOrLoadLatest(id string, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	k, err := loader(KeyMeta{ID: id})
	if err != nil {
		return nil, err
	}

	return newCachedCryptoKey(k), nil
}

func (neverCache) Close() error { return nil }

var _ cache = neverCache{}

func newCacheForPolicy(cached bool, maxSize int, evictionPolicy string, policy *CryptoPolicy) cache {
	if !cached {
		return neverCache{}
	}

	return newKeyCache(maxSize, evictionPolicy, policy)
}
