package keytower

import (
	"context"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/pkg/errors"

	"github.com/keytower/keytower/pkg/log"
	"github.com/keytower/keytower/secret"
	"github.com/keytower/keytower/secret/protectedmemory"
)

// SessionFactory creates Sessions for partitions sharing a Config. System
// keys are cached at the factory level (they're shared across every
// partition for a given service/product); intermediate keys are cached
// per-session since they're partition-specific.
type SessionFactory struct {
	sessionCache  SessionCache
	systemKeys    cache
	Config        *Config
	Metastore     Metastore
	Crypto        AEAD
	KMS           KeyManagementService
	SecretFactory secret.Factory
}

// FactoryOption configures a SessionFactory.
type FactoryOption func(*SessionFactory)

// WithSecretFactory overrides the secret.Factory used to protect key
// material. Defaults to protectedmemory.Factory.
func WithSecretFactory(f secret.Factory) FactoryOption {
	return func(sf *SessionFactory) { sf.SecretFactory = f }
}

// WithMetrics enables or disables this module's go-metrics registrations.
// Disabling unregisters everything under the default registry, including
// metrics registered by unrelated code sharing the process — call it
// before anything else in the process depends on the default registry.
func WithMetrics(enabled bool) FactoryOption {
	return func(*SessionFactory) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// NewSessionFactory builds a SessionFactory. config.Policy defaults to
// NewCryptoPolicy() if nil.
func NewSessionFactory(config *Config, store Metastore, kms KeyManagementService, crypto AEAD, opts ...FactoryOption) *SessionFactory {
	if config.Policy == nil {
		config.Policy = NewCryptoPolicy()
	}

	f := &SessionFactory{
		systemKeys: newCacheForPolicy(
			config.Policy.CacheSystemKeys,
			config.Policy.SystemKeyCacheMaxSize,
			config.Policy.SystemKeyCacheEvictionPolicy,
			config.Policy,
		),
		Config:        config,
		Metastore:     store,
		Crypto:        crypto,
		KMS:           kms,
		SecretFactory: new(protectedmemory.Factory),
	}

	if config.Policy.CacheSessions {
		f.sessionCache = NewSessionCache(func(id string) (*Session, error) {
			return newSession(f, id)
		}, config.Policy)
	}

	for _, opt := range opts {
		opt(f)
	}

	log.Debugf("new SessionFactory(%p) for service=%s product=%s", f, config.Service, config.Product)

	return f
}

// Close releases every resource this factory owns (the session cache, if
// enabled, and the shared system key cache). Call it once, when the
// factory itself is being torn down.
func (f *SessionFactory) Close() error {
	if f.Config.Policy.CacheSessions {
		f.sessionCache.Close()
	}

	return f.systemKeys.Close()
}

// GetSession returns a Session for partition id, sharing one across callers
// requesting the same id when CacheSessions is enabled.
func (f *SessionFactory) GetSession(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("partition id cannot be empty")
	}

	if f.Config.Policy.CacheSessions {
		return f.sessionCache.Get(id)
	}

	return newSession(f, id)
}

func newSession(f *SessionFactory, id string) (*Session, error) {
	s := &Session{
		encryption: &envelopeEncryption{
			partition:        f.newPartition(id),
			Metastore:        f.Metastore,
			KMS:              f.KMS,
			Policy:           f.Config.Policy,
			Crypto:           f.Crypto,
			SecretFactory:    f.SecretFactory,
			systemKeys:       f.systemKeys,
			intermediateKeys: f.newIKCache(),
		},
	}

	log.Debugf("new session for id %s: Session(%p){Encryption(%p)}", id, s, s.encryption)

	return s, nil
}

// newPartition picks a region-suffixed partition when the configured
// Metastore reports one (e.g. a DynamoDB global table deployment),
// otherwise the default single-region naming scheme.
func (f *SessionFactory) newPartition(id string) partition {
	if v, ok := f.Metastore.(interface{ GetRegionSuffix() string }); ok && len(v.GetRegionSuffix()) > 0 {
		return newSuffixedPartition(id, f.Config.Service, f.Config.Product, v.GetRegionSuffix())
	}

	return newPartition(id, f.Config.Service, f.Config.Product)
}

func (f *SessionFactory) newIKCache() cache {
	return newCacheForPolicy(
		f.Config.Policy.CacheIntermediateKeys,
		f.Config.Policy.IntermediateKeyCacheMaxSize,
		f.Config.Policy.IntermediateKeyCacheEvictionPolicy,
		f.Config.Policy,
	)
}

// Session encrypts and decrypts payloads for a single partition. Close it
// as soon as it's no longer needed.
type Session struct {
	encryption Encryption
}

// Encrypt encrypts data, returning a DataRowRecord that can later be passed
// to Decrypt.
func (s *Session) Encrypt(ctx context.Context, data []byte) (*DataRowRecord, error) {
	return s.encryption.EncryptPayload(ctx, data)
}

// Decrypt reverses Encrypt.
func (s *Session) Decrypt(ctx context.Context, d DataRowRecord) ([]byte, error) {
	return s.encryption.DecryptDataRowRecord(ctx, d)
}

// Load loads a DataRowRecord from store by key and decrypts it.
func (s *Session) Load(ctx context.Context, key interface{}, store Loader) ([]byte, error) {
	drr, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	return s.Decrypt(ctx, *drr)
}

// Store encrypts payload and persists the result to store, returning
// whatever key store uses to address it.
func (s *Session) Store(ctx context.Context, payload []byte, store Storer) (interface{}, error) {
	drr, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return store.Store(ctx, *drr)
}

// Close releases any keys this session's caches are holding.
func (s *Session) Close() error {
	return s.encryption.Close()
}
