package keytower

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keytower/keytower/internal"
	"github.com/keytower/keytower/pkg/crypto/aead"
	"github.com/keytower/keytower/secret/protectedmemory"
)

// testMemoryMetastore is an in-process Metastore equivalent to
// pkg/metastore.Memory, reimplemented here so this in-package (white-box)
// test doesn't import pkg/metastore, which itself imports this package.
type testMemoryMetastore struct {
	mu   sync.RWMutex
	keys map[string]map[int64]*EnvelopeKeyRecord
}

func newTestMemoryMetastore() *testMemoryMetastore {
	return &testMemoryMetastore{keys: make(map[string]map[int64]*EnvelopeKeyRecord)}
}

func (m *testMemoryMetastore) Load(_ context.Context, id string, created int64) (*EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.keys[id]
	if !ok {
		return nil, nil
	}

	return records[created], nil
}

func (m *testMemoryMetastore) LoadLatest(_ context.Context, id string) (*EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.keys[id]
	if !ok || len(records) == 0 {
		return nil, nil
	}

	var latest int64

	for created := range records {
		if created > latest {
			latest = created
		}
	}

	return records[latest], nil
}

func (m *testMemoryMetastore) Store(_ context.Context, id string, created int64, record *EnvelopeKeyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.keys[id]
	if !ok {
		records = make(map[int64]*EnvelopeKeyRecord)
		m.keys[id] = records
	}

	if _, exists := records[created]; exists {
		return false, nil
	}

	records[created] = record

	return true, nil
}

var _ Metastore = (*testMemoryMetastore)(nil)

// testStaticKMS is a KeyManagementService equivalent to pkg/kms.Static,
// reimplemented here so this in-package (white-box) test doesn't import
// pkg/kms, which itself imports this package.
type testStaticKMS struct {
	crypto AEAD
	key    *internal.CryptoKey
}

func newTestStaticKMS(t *testing.T, key string, crypto AEAD) *testStaticKMS {
	t.Helper()

	ck, err := internal.NewCryptoKey(new(protectedmemory.Factory), time.Now().Unix(), false, []byte(key))
	require.NoError(t, err)

	return &testStaticKMS{crypto: crypto, key: ck}
}

func (s *testStaticKMS) EncryptKey(_ context.Context, key []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(kekBytes []byte) ([]byte, error) {
		return s.crypto.Encrypt(key, kekBytes)
	})
}

func (s *testStaticKMS) DecryptKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(kekBytes []byte) ([]byte, error) {
		return s.crypto.Decrypt(wrapped, kekBytes)
	})
}

func (s *testStaticKMS) Close() error {
	if s.key != nil {
		s.key.Close()
	}

	return nil
}

var _ KeyManagementService = (*testStaticKMS)(nil)

func newTestMasterKey(t *testing.T) KeyManagementService {
	t.Helper()

	return newTestStaticKMS(t, "01234567890123456789012345678901", aead.NewAES256GCM())
}

func newTestEnvelope(t *testing.T, store Metastore, km KeyManagementService, policy *CryptoPolicy, partitionID string) *envelopeEncryption {
	t.Helper()

	if policy == nil {
		policy = NewCryptoPolicy()
	}

	return &envelopeEncryption{
		partition:        newPartition(partitionID, "testService", "testProduct"),
		Metastore:        store,
		KMS:              km,
		Policy:           policy,
		Crypto:           aead.NewAES256GCM(),
		SecretFactory:    new(protectedmemory.Factory),
		systemKeys:       newCacheForPolicy(policy.CacheSystemKeys, policy.SystemKeyCacheMaxSize, policy.SystemKeyCacheEvictionPolicy, policy),
		intermediateKeys: newCacheForPolicy(policy.CacheIntermediateKeys, policy.IntermediateKeyCacheMaxSize, policy.IntermediateKeyCacheEvictionPolicy, policy),
	}
}

func TestEnvelopeEncryption_RoundTrip(t *testing.T) {
	store := newTestMemoryMetastore()
	e := newTestEnvelope(t, store, newTestMasterKey(t), nil, "shopper-1")
	defer e.Close()

	ctx := context.Background()
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	drr, err := e.EncryptPayload(ctx, plaintext)
	require.NoError(t, err)
	require.NotNil(t, drr.Key)

	decrypted, err := e.DecryptDataRowRecord(ctx, *drr)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEnvelopeEncryption_SharesKeyHierarchyAcrossCalls(t *testing.T) {
	store := newTestMemoryMetastore()
	e := newTestEnvelope(t, store, newTestMasterKey(t), nil, "shopper-1")
	defer e.Close()

	ctx := context.Background()

	drr1, err := e.EncryptPayload(ctx, []byte("first"))
	require.NoError(t, err)

	drr2, err := e.EncryptPayload(ctx, []byte("second"))
	require.NoError(t, err)

	assert.Equal(t, drr1.Key.ParentKeyMeta.ID, drr2.Key.ParentKeyMeta.ID)
	assert.Equal(t, drr1.Key.ParentKeyMeta.Created, drr2.Key.ParentKeyMeta.Created, "second encrypt should reuse the still-valid intermediate key")
}

func TestEnvelopeEncryption_CrossPartitionDecryptRejected(t *testing.T) {
	store := newTestMemoryMetastore()
	km := newTestMasterKey(t)

	a := newTestEnvelope(t, store, km, nil, "shopper-a")
	defer a.Close()

	b := newTestEnvelope(t, store, km, nil, "shopper-b")
	defer b.Close()

	ctx := context.Background()

	drr, err := a.EncryptPayload(ctx, []byte("partition a's secret"))
	require.NoError(t, err)

	_, err = b.DecryptDataRowRecord(ctx, *drr)
	assert.Error(t, err)
}

func TestEnvelopeEncryption_DecryptEmptyDataRowRecordFails(t *testing.T) {
	store := newTestMemoryMetastore()
	e := newTestEnvelope(t, store, newTestMasterKey(t), nil, "shopper-1")
	defer e.Close()

	_, err := e.DecryptDataRowRecord(context.Background(), DataRowRecord{})
	assert.Error(t, err)
}

// seedIntermediateKey writes an intermediate key envelope record directly
// into store, encrypted under sk, without going through the envelope
// engine's own create path. Used to manufacture keys of a specific age.
func seedIntermediateKey(t *testing.T, ctx context.Context, e *envelopeEncryption, sk *cachedCryptoKey, created int64) []byte {
	t.Helper()

	ik, err := internal.GenerateKey(e.SecretFactory, created, AES256KeySize)
	require.NoError(t, err)
	defer ik.Close()

	var ikBytes []byte
	require.NoError(t, ik.WithBytes(func(b []byte) error {
		ikBytes = append([]byte(nil), b...)
		return nil
	}))

	encBytes, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
			return e.Crypto.Encrypt(ikBytes, skBytes)
		})
	})
	require.NoError(t, err)

	id := e.partition.IntermediateKeyID()

	ok, err := e.Metastore.Store(ctx, id, created, &EnvelopeKeyRecord{
		ID:           id,
		Created:      created,
		EncryptedKey: encBytes,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	})
	require.NoError(t, err)
	require.True(t, ok, "precondition: seeded record must actually be stored")

	return ikBytes
}

func TestEnvelopeEncryption_CreateIntermediateKey_LosesRaceFallsBackToWinner(t *testing.T) {
	store := newTestMemoryMetastore()
	policy := NewCryptoPolicy()
	policy.CreateDatePrecision = time.Hour // keep the predicted timestamp stable for the test

	e := newTestEnvelope(t, store, newTestMasterKey(t), policy, "shopper-1")
	defer e.Close()

	ctx := context.Background()

	sk, err := e.getOrLoadLatestSystemKey(ctx)
	require.NoError(t, err)
	defer sk.Close()

	winnerCreated := newKeyTimestamp(policy.CreateDatePrecision)

	winnerIK, err := internal.GenerateKey(e.SecretFactory, winnerCreated, AES256KeySize)
	require.NoError(t, err)
	defer winnerIK.Close()

	var winnerBytes []byte
	require.NoError(t, winnerIK.WithBytes(func(b []byte) error {
		winnerBytes = append([]byte(nil), b...)
		return nil
	}))

	encBytes, err := internal.WithKeyFunc(winnerIK, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
			return e.Crypto.Encrypt(ikBytes, skBytes)
		})
	})
	require.NoError(t, err)

	ikID := e.partition.IntermediateKeyID()

	ok, err := e.Metastore.Store(ctx, ikID, winnerCreated, &EnvelopeKeyRecord{
		ID:           ikID,
		Created:      winnerCreated,
		EncryptedKey: encBytes,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	})
	require.NoError(t, err)
	require.True(t, ok, "precondition: the winning record must actually be stored")

	ik, err := e.createIntermediateKey(ctx)
	require.NoError(t, err)
	defer ik.Close()

	assert.Equal(t, winnerCreated, ik.Created(), "our own write lost the race, so we should be using the winner's key")

	require.NoError(t, ik.WithBytes(func(b []byte) error {
		assert.Equal(t, winnerBytes, b)
		return nil
	}))
}

func TestEnvelopeEncryption_RotationQueued_ReusesExpiredKeyAndNotifies(t *testing.T) {
	store := newTestMemoryMetastore()

	var notifications []Notification
	policy := NewCryptoPolicy(
		WithRotationStrategy(RotationQueued),
		WithExpireAfterDuration(24*time.Hour),
		WithNotifier(notifierFunc(func(n Notification) { notifications = append(notifications, n) })),
	)

	e := newTestEnvelope(t, store, newTestMasterKey(t), policy, "shopper-1")
	defer e.Close()

	ctx := context.Background()

	sk, err := e.getOrLoadLatestSystemKey(ctx)
	require.NoError(t, err)
	defer sk.Close()

	staleCreated := time.Now().Add(-48 * time.Hour).Unix()
	seedIntermediateKey(t, ctx, e, sk, staleCreated)

	id := e.partition.IntermediateKeyID()

	ik, err := e.loadLatestOrCreateIntermediateKey(ctx, id)
	require.NoError(t, err)
	defer ik.Close()

	assert.Equal(t, staleCreated, ik.Created(), "RotationQueued should reuse the expired key rather than replace it")
	require.Len(t, notifications, 1)
	assert.Equal(t, NotifyQueuedRotation, notifications[0].Type)
}

func TestEnvelopeEncryption_RotationInline_ReplacesExpiredKeyImmediately(t *testing.T) {
	store := newTestMemoryMetastore()

	policy := NewCryptoPolicy(
		WithRotationStrategy(RotationInline),
		WithExpireAfterDuration(24*time.Hour),
	)

	e := newTestEnvelope(t, store, newTestMasterKey(t), policy, "shopper-1")
	defer e.Close()

	ctx := context.Background()

	sk, err := e.getOrLoadLatestSystemKey(ctx)
	require.NoError(t, err)
	defer sk.Close()

	staleCreated := time.Now().Add(-48 * time.Hour).Unix()
	seedIntermediateKey(t, ctx, e, sk, staleCreated)

	id := e.partition.IntermediateKeyID()

	ik, err := e.loadLatestOrCreateIntermediateKey(ctx, id)
	require.NoError(t, err)
	defer ik.Close()

	assert.NotEqual(t, staleCreated, ik.Created(), "RotationInline should replace an expired key immediately")
}

func TestEnvelopeEncryption_NotifyExpiredOnRead(t *testing.T) {
	store := newTestMemoryMetastore()

	var notifications []Notification
	policy := NewCryptoPolicy(
		WithNotifyExpiredOnRead(true),
		WithExpireAfterDuration(-time.Hour),
		WithNotifier(notifierFunc(func(n Notification) { notifications = append(notifications, n) })),
	)

	e := newTestEnvelope(t, store, newTestMasterKey(t), policy, "shopper-1")
	defer e.Close()

	ctx := context.Background()

	drr, err := e.EncryptPayload(ctx, []byte("stale by the time we read it"))
	require.NoError(t, err)

	decrypted, err := e.DecryptDataRowRecord(ctx, *drr)
	require.NoError(t, err, "an expired intermediate key should still decrypt successfully")
	assert.Equal(t, []byte("stale by the time we read it"), decrypted)

	require.Len(t, notifications, 1)
	assert.Equal(t, NotifyExpiredRead, notifications[0].Type)
}
