package keytower

import "time"

// Defaults for CryptoPolicy fields not otherwise overridden.
const (
	DefaultExpireAfter                = time.Hour * 24 * 90 // 90 days
	DefaultRevokeCheckInterval        = time.Minute * 60
	DefaultCreateDatePrecision        = time.Minute
	DefaultKeyCacheMaxSize            = 1000
	DefaultKeyCacheEvictionPolicy     = "lru"
	DefaultSessionCacheMaxSize        = 1000
	DefaultSessionCacheDuration       = time.Hour * 2
)

// RotationStrategy controls what happens when the envelope engine observes
// a current intermediate key as expired while searching for one to use for
// a new encrypt call. A revoked key is always replaced, whatever the
// strategy.
type RotationStrategy int

const (
	// RotationInline creates a replacement key synchronously, on the
	// calling goroutine, before the encrypt call returns.
	RotationInline RotationStrategy = iota
	// RotationQueued keeps using the expired key (a Notifier, if
	// configured, is informed on each such call). No replacement is created
	// for an expired key under this strategy; a new key is created only
	// when the latest one is revoked or its system key is missing, invalid
	// or unable to decrypt it. No background goroutine is started.
	RotationQueued
)

// NotificationType classifies a Notifier callback.
type NotificationType int

const (
	// NotifyExpiredRead fires when a key used to satisfy a read (decrypt)
	// is expired or revoked. Never fatal.
	NotifyExpiredRead NotificationType = iota
	// NotifyQueuedRotation fires when RotationQueued causes a stale
	// intermediate key to be reused rather than replaced immediately.
	NotifyQueuedRotation
)

// Notification describes a non-fatal event the envelope engine wants to
// surface to the application without failing the operation in progress.
type Notification struct {
	Type    NotificationType
	KeyMeta KeyMeta
	Message string
}

// Notifier receives Notifications. Implementations must not block for long;
// they're called inline with the operation that triggered them.
type Notifier interface {
	Notify(n Notification)
}

type noopNotifier struct{}

func (noopNotifier) Notify(Notification) {}

// CryptoPolicy configures key lifetime, caching, and rotation behavior for
// a SessionFactory.
type CryptoPolicy struct {
	// ExpireKeyAfter determines when a key is considered expired, based on
	// its creation time (scheduled rotation).
	ExpireKeyAfter time.Duration
	// RevokeCheckInterval is the key cache's freshness TTL: a cached entry
	// older than this is reloaded from the metastore on next use to pick
	// up out-of-band revocation (unscheduled rotation).
	RevokeCheckInterval time.Duration
	// CreateDatePrecision truncates a new key's creation timestamp to this
	// granularity so concurrent creators within the same window collide on
	// identity instead of racing to create distinct keys.
	CreateDatePrecision time.Duration
	// RotationStrategy controls behavior when the current intermediate key
	// is found expired during a write. See RotationStrategy.
	RotationStrategy RotationStrategy
	// NotifyExpiredOnRead, when true, calls the configured Notifier when a
	// decrypt uses an expired or revoked intermediate key. The decrypt
	// still succeeds either way.
	NotifyExpiredOnRead bool

	// CacheSystemKeys determines whether system keys are cached.
	CacheSystemKeys bool
	// SystemKeyCacheMaxSize bounds the system key cache.
	SystemKeyCacheMaxSize int
	// SystemKeyCacheEvictionPolicy names the eviction policy for the
	// system key cache. Supported: "lru" (others fall back to LRU; see
	// pkg/cache).
	SystemKeyCacheEvictionPolicy string

	// CacheIntermediateKeys determines whether intermediate keys are cached.
	CacheIntermediateKeys bool
	// IntermediateKeyCacheMaxSize bounds the intermediate key cache.
	IntermediateKeyCacheMaxSize int
	// IntermediateKeyCacheEvictionPolicy names the eviction policy for the
	// intermediate key cache.
	IntermediateKeyCacheEvictionPolicy string

	// CacheSessions determines whether sessions are shared across callers
	// requesting the same partition id.
	CacheSessions bool
	// SessionCacheMaxSize bounds the session cache.
	SessionCacheMaxSize int
	// SessionCacheDuration is how long an unused session stays cached
	// before being evicted.
	SessionCacheDuration time.Duration

	// notifier receives non-fatal revocation/expiry/rotation events.
	notifier Notifier
}

// PolicyOption configures a CryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithRevokeCheckInterval sets the cache freshness TTL.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.RevokeCheckInterval = d }
}

// WithExpireAfterDuration sets how long a key remains valid after creation.
func WithExpireAfterDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.ExpireKeyAfter = d }
}

// WithNoCache disables caching of both system and intermediate keys.
func WithNoCache() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSystemKeys = false
		p.CacheIntermediateKeys = false
	}
}

// WithSessionCache enables session sharing across callers of the same partition id.
func WithSessionCache() PolicyOption {
	return func(p *CryptoPolicy) { p.CacheSessions = true }
}

// WithSessionCacheMaxSize sets the session cache capacity.
func WithSessionCacheMaxSize(size int) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheMaxSize = size }
}

// WithSessionCacheDuration sets how long an unused session stays cached.
func WithSessionCacheDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheDuration = d }
}

// WithRotationStrategy sets the rotation strategy.
func WithRotationStrategy(s RotationStrategy) PolicyOption {
	return func(p *CryptoPolicy) { p.RotationStrategy = s }
}

// WithNotifyExpiredOnRead enables non-fatal notifications when a decrypt
// uses an expired or revoked intermediate key.
func WithNotifyExpiredOnRead(enabled bool) PolicyOption {
	return func(p *CryptoPolicy) { p.NotifyExpiredOnRead = enabled }
}

// WithNotifier installs a Notifier for non-fatal revocation/rotation events.
func WithNotifier(n Notifier) PolicyOption {
	return func(p *CryptoPolicy) { p.notifier = n }
}

// NewCryptoPolicy builds a CryptoPolicy with sensible defaults, applying opts
// in order.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	p := &CryptoPolicy{
		ExpireKeyAfter:                     DefaultExpireAfter,
		RevokeCheckInterval:                DefaultRevokeCheckInterval,
		CreateDatePrecision:                DefaultCreateDatePrecision,
		RotationStrategy:                   RotationInline,
		CacheSystemKeys:                    true,
		CacheIntermediateKeys:              true,
		SystemKeyCacheMaxSize:              DefaultKeyCacheMaxSize,
		SystemKeyCacheEvictionPolicy:       DefaultKeyCacheEvictionPolicy,
		IntermediateKeyCacheMaxSize:        DefaultKeyCacheMaxSize,
		IntermediateKeyCacheEvictionPolicy: DefaultKeyCacheEvictionPolicy,
		CacheSessions:                      false,
		SessionCacheMaxSize:                DefaultSessionCacheMaxSize,
		SessionCacheDuration:               DefaultSessionCacheDuration,
		notifier:                           noopNotifier{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Notifier returns the configured Notifier, or a no-op if none was set.
func (p *CryptoPolicy) Notifier() Notifier {
	if p.notifier == nil {
		return noopNotifier{}
	}

	return p.notifier
}

// newKeyTimestamp returns the current Unix second timestamp truncated to
// the given duration (0 disables truncation).
func newKeyTimestamp(truncate time.Duration) int64 {
	if truncate > 0 {
		return time.Now().Truncate(truncate).Unix()
	}

	return time.Now().Unix()
}

// Config carries the identity and policy a SessionFactory needs.
type Config struct {
	// Service identifies the owning service.
	Service string
	// Product identifies the team or product that owns Service.
	Product string
	// Policy controls key lifetime and caching. A default policy (90 day
	// rotation) is used if nil.
	Policy *CryptoPolicy
}
