package keytower

import (
	"sync"

	mango "github.com/goburrow/cache"
)

// SessionCache shares Sessions across callers requesting the same
// partition id, closing one only once every holder has released it.
type SessionCache interface {
	Get(id string) (*Session, error)
	Count() int
	Close()
}

// SessionLoaderFunc constructs the Session for a partition id on a cache miss.
type SessionLoaderFunc func(id string) (*Session, error)

// mangoCache implements SessionCache atop github.com/goburrow/cache's
// LoadingCache.
type mangoCache struct {
	inner mango.LoadingCache
}

// NewSessionCache wraps loader's Sessions in usage-counting pins and backs
// them with a goburrow/cache LoadingCache bounded and aged per policy.
func NewSessionCache(loader SessionLoaderFunc, policy *CryptoPolicy) SessionCache {
	wrapped := func(id string) (*Session, error) {
		s, err := loader(id)
		if err != nil {
			return nil, err
		}

		if _, ok := s.encryption.(*SharedEncryption); !ok {
			mu := new(sync.Mutex)
			SessionInjectEncryption(s, &SharedEncryption{
				Encryption: s.encryption,
				mu:         mu,
				cond:       sync.NewCond(mu),
			})
		}

		return s, nil
	}

	return &mangoCache{
		inner: mango.NewLoadingCache(
			func(k mango.Key) (mango.Value, error) {
				return wrapped(k.(string))
			},
			mango.WithMaximumSize(policy.SessionCacheMaxSize),
			mango.WithExpireAfterAccess(policy.SessionCacheDuration),
			mango.WithRemovalListener(sessionRemovalListener),
		),
	}
}

// Get returns the shared Session for id, pinning it until the caller calls
// its Close. A pinned entry can still be evicted; the pin only defers the
// close of its underlying Encryption until released.
func (m *mangoCache) Get(id string) (*Session, error) {
	v, err := m.inner.Get(id)
	if err != nil {
		return nil, err
	}

	s := v.(*Session)
	s.encryption.(*SharedEncryption).incrementUsage()

	return s, nil
}

// Count returns the number of Sessions currently resident in the cache.
func (m *mangoCache) Count() int {
	var stats mango.Stats
	m.inner.Stats(&stats)

	return int(stats.LoadSuccessCount - stats.EvictionCount)
}

// Close evicts every cached Session. Each evicted Session's Encryption is
// closed by the shared cleanup processor once its usage count drains to
// zero; Close itself does not wait for that.
func (m *mangoCache) Close() {
	m.inner.Close()
}

// sessionRemovalListener is invoked by the backing cache whenever an entry
// is evicted for capacity or age. It hands off to the shared cleanup
// processor since Remove blocks until every pinning caller has released the
// session, and the cache's own eviction path must not block on that.
func sessionRemovalListener(_ mango.Key, v mango.Value) {
	getSessionCleanupProcessor().submit(v.(*Session).encryption.(*SharedEncryption))
}

// SharedEncryption wraps an Encryption shared by a cached Session, pinning
// it open while accessCounter is positive: the underlying Encryption is torn
// down by Remove, called once the entry has been evicted, and only after
// every caller that incremented usage has released it via Close.
type SharedEncryption struct {
	Encryption

	accessCounter int
	mu            *sync.Mutex
	cond          *sync.Cond
}

func (s *SharedEncryption) incrementUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessCounter++
}

// Close releases one caller's pin on this session. It never closes the
// underlying Encryption directly — that happens in Remove, once both the
// cache has evicted the entry and every pin has been released.
func (s *SharedEncryption) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.accessCounter--

	return nil
}

// Remove blocks until every pin on this session has been released, then
// closes the underlying Encryption. Called once per eviction, normally on
// the shared cleanup processor's goroutine; when that processor's queue is
// full or it has been closed, it runs synchronously on the evicting
// goroutine.
func (s *SharedEncryption) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.accessCounter > 0 {
		s.cond.Wait()
	}

	s.Encryption.Close()
}

// SessionInjectEncryption swaps s's Encryption implementation. Exposed
// primarily for tests that need to observe or stub envelope behavior
// without going through a real Metastore/KMS.
func SessionInjectEncryption(s *Session, e Encryption) {
	s.encryption = e
}
