package keytower

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/keytower/keytower/internal"
	"github.com/keytower/keytower/secret"
)

// Envelope engine metrics.
var (
	decryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.decrypt", MetricsPrefix), nil)
	encryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.encrypt", MetricsPrefix), nil)
)

var _ Encryption = (*envelopeEncryption)(nil)

// envelopeEncryption implements Encryption for a single partition, walking
// the master key -> system key -> intermediate key -> data row key chain
// on every call.
type envelopeEncryption struct {
	partition        partition
	Metastore        Metastore
	KMS              KeyManagementService
	Policy           *CryptoPolicy
	Crypto           AEAD
	SecretFactory    secret.Factory
	systemKeys       cache
	intermediateKeys cache
}

// loadSystemKey fetches a known system key from the metastore and decrypts
// it via the KMS.
func (e *envelopeEncryption) loadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, err
	}

	if ekr == nil {
		return nil, errors.New("error loading system key from metastore")
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// systemKeyFromEKR decrypts ekr's wrapped key via the KMS.
func (e *envelopeEncryption) systemKeyFromEKR(ctx context.Context, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	raw, err := e.KMS.DecryptKey(ctx, ekr.EncryptedKey)
	if err != nil {
		return nil, err
	}

	return internal.NewCryptoKey(e.SecretFactory, ekr.Created, ekr.Revoked, raw)
}

// intermediateKeyFromEKR decrypts ekr using sk. If ekr was wrapped by a
// different (now-superseded) system key version, the correct one is loaded
// first.
func (e *envelopeEncryption) intermediateKeyFromEKR(sk *cachedCryptoKey, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	if ekr.ParentKeyMeta != nil && sk.Created() != ekr.ParentKeyMeta.Created {
		resolved, err := e.getOrLoadSystemKey(context.Background(), *ekr.ParentKeyMeta)
		if err != nil {
			return nil, err
		}
		defer resolved.Close()

		sk = resolved
	}

	ikBuffer, err := internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.Crypto.Decrypt(ekr.EncryptedKey, skBytes)
	})
	if err != nil {
		return nil, err
	}

	return internal.NewCryptoKey(e.SecretFactory, ekr.Created, ekr.Revoked, ikBuffer)
}

// generateKey creates a fresh random key timestamped per the configured
// create-date precision.
func (e *envelopeEncryption) generateKey() (*internal.CryptoKey, error) {
	createdAt := newKeyTimestamp(e.Policy.CreateDatePrecision)
	return internal.GenerateKey(e.SecretFactory, createdAt, AES256KeySize)
}

// tryStore attempts to persist ekr, treating every error as a duplicate: if
// the write really failed for a systemic reason, the subsequent LoadLatest
// retry will surface it.
func (e *envelopeEncryption) tryStore(ctx context.Context, ekr *EnvelopeKeyRecord) bool {
	success, err := e.Metastore.Store(ctx, ekr.ID, ekr.Created, ekr)
	_ = err

	return success
}

func (e *envelopeEncryption) mustLoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error) {
	ekr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ekr == nil {
		return nil, errors.New("error loading key from metastore after retry")
	}

	return ekr, nil
}

// loadLatestOrCreateSystemKey returns the most recent valid system key for
// id, creating one if none exists or the latest is no longer valid.
func (e *envelopeEncryption) loadLatestOrCreateSystemKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ekr != nil && !e.isEnvelopeInvalid(ekr) {
		return e.systemKeyFromEKR(ctx, ekr)
	}

	sk, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	encKey, err := internal.WithKeyFunc(sk, func(b []byte) ([]byte, error) {
		return e.KMS.EncryptKey(ctx, b)
	})
	if err != nil {
		sk.Close()
		return nil, err
	}

	if e.tryStore(ctx, &EnvelopeKeyRecord{
		ID:           id,
		Created:      sk.Created(),
		EncryptedKey: encKey,
	}) {
		return sk, nil
	}

	// Lost a race to create this system key; someone else's write won.
	sk.Close()

	ekr, err = e.mustLoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// createIntermediateKey creates a new IK under the latest system key and
// persists it, falling back to whatever concurrently-created IK won the
// metastore race if our write loses.
func (e *envelopeEncryption) createIntermediateKey(ctx context.Context) (*internal.CryptoKey, error) {
	sk, err := e.getOrLoadLatestSystemKey(ctx)
	if err != nil {
		return nil, err
	}
	defer sk.Close()

	ik, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	encBytes, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
			return e.Crypto.Encrypt(ikBytes, skBytes)
		})
	})
	if err != nil {
		ik.Close()
		return nil, err
	}

	ikID := e.partition.IntermediateKeyID()

	if e.tryStore(ctx, &EnvelopeKeyRecord{
		ID:           ikID,
		Created:      ik.Created(),
		EncryptedKey: encBytes,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	}) {
		return ik, nil
	}

	ik.Close()

	newEkr, err := e.mustLoadLatest(ctx, ikID)
	if err != nil {
		return nil, err
	}

	return e.intermediateKeyFromEKR(sk, newEkr)
}

// loadLatestOrCreateIntermediateKey returns the most recent usable
// intermediate key for id, creating a replacement when none exists or the
// latest has been revoked. An expired-but-not-revoked latest key is handled
// per Policy.RotationStrategy: RotationInline replaces it immediately;
// RotationQueued keeps using it (after notifying, if configured) and does
// not create a replacement for it.
func (e *envelopeEncryption) loadLatestOrCreateIntermediateKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ikEkr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ikEkr == nil || ikEkr.Revoked {
		return e.createIntermediateKey(ctx)
	}

	expired := internal.IsKeyExpired(ikEkr.Created, e.Policy.ExpireKeyAfter)
	if expired && e.Policy.RotationStrategy == RotationInline {
		return e.createIntermediateKey(ctx)
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ikEkr.ParentKeyMeta)
	if err != nil {
		return e.createIntermediateKey(ctx)
	}
	defer sk.Close()

	if internal.IsKeyInvalid(sk.CryptoKey, e.Policy.ExpireKeyAfter) {
		return e.createIntermediateKey(ctx)
	}

	ik, err := e.intermediateKeyFromEKR(sk, ikEkr)
	if err != nil {
		return e.createIntermediateKey(ctx)
	}

	if expired {
		e.Policy.Notifier().Notify(Notification{
			Type:    NotifyQueuedRotation,
			KeyMeta: KeyMeta{ID: id, Created: ik.Created()},
			Message: "intermediate key expired; reused under queued rotation",
		})
	}

	return ik, nil
}

// getOrLoadSystemKey returns meta's system key, preferring the cache.
func (e *envelopeEncryption) getOrLoadSystemKey(ctx context.Context, meta KeyMeta) (*cachedCryptoKey, error) {
	loader := keyLoaderFunc(func(m KeyMeta) (*internal.CryptoKey, error) {
		return e.loadSystemKey(ctx, m)
	})

	return e.systemKeys.GetOrLoad(meta, loader)
}

// getOrLoadLatestSystemKey returns this partition's current system key,
// creating one if none exists or the cached/stored latest is no longer
// valid.
func (e *envelopeEncryption) getOrLoadLatestSystemKey(ctx context.Context) (*cachedCryptoKey, error) {
	id := e.partition.SystemKeyID()

	loader := keyLoaderFunc(func(KeyMeta) (*internal.CryptoKey, error) {
		return e.loadLatestOrCreateSystemKey(ctx, id)
	})

	return e.systemKeys.GetOrLoadLatest(id, loader)
}

// isEnvelopeInvalid reports whether ekr is revoked or expired.
func (e *envelopeEncryption) isEnvelopeInvalid(ekr *EnvelopeKeyRecord) bool {
	return ekr.Revoked || internal.IsKeyExpired(ekr.Created, e.Policy.ExpireKeyAfter)
}

// loadIntermediateKey fetches a known intermediate key and decrypts it
// under its parent system key.
func (e *envelopeEncryption) loadIntermediateKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, err
	}

	if ekr == nil {
		return nil, errors.New("error loading intermediate key from metastore")
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return nil, err
	}
	defer sk.Close()

	return e.intermediateKeyFromEKR(sk, ekr)
}

// decryptRow decrypts drr's DRK under ik, then the payload under the DRK.
func decryptRow(ik *cachedCryptoKey, drr DataRowRecord, crypto AEAD) ([]byte, error) {
	return internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		rawDRK, err := crypto.Decrypt(drr.Key.EncryptedKey, ikBytes)
		if err != nil {
			return nil, err
		}
		defer internal.MemClr(rawDRK)

		return crypto.Decrypt(drr.Data, rawDRK)
	})
}

// EncryptPayload encrypts data under a fresh data row key, itself wrapped
// under the partition's current intermediate key.
func (e *envelopeEncryption) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	loader := keyLoaderFunc(func(KeyMeta) (*internal.CryptoKey, error) {
		return e.loadLatestOrCreateIntermediateKey(ctx, e.partition.IntermediateKeyID())
	})

	ik, err := e.intermediateKeys.GetOrLoadLatest(e.partition.IntermediateKeyID(), loader)
	if err != nil {
		return nil, err
	}
	defer ik.Close()

	// The DRK's own id is irrelevant (it's never looked up by id, only
	// embedded in the DRR), so its created timestamp is a plain wall-clock
	// value rather than truncated per CreateDatePrecision — a fresh DRK is
	// generated on every encrypt regardless, so there's no duplicate-write
	// race to avoid here.
	drk, err := internal.GenerateKey(e.SecretFactory, time.Now().Unix(), AES256KeySize)
	if err != nil {
		return nil, err
	}
	defer drk.Close()

	encData, err := internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
		return e.Crypto.Encrypt(data, drkBytes)
	})
	if err != nil {
		return nil, err
	}

	encDRK, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
			return e.Crypto.Encrypt(drkBytes, ikBytes)
		})
	})
	if err != nil {
		return nil, err
	}

	return &DataRowRecord{
		Key: &EnvelopeKeyRecord{
			Created:      drk.Created(),
			EncryptedKey: encDRK,
			ParentKeyMeta: &KeyMeta{
				ID:      e.partition.IntermediateKeyID(),
				Created: ik.Created(),
			},
		},
		Data: encData,
	}, nil
}

// DecryptDataRowRecord reverses EncryptPayload.
func (e *envelopeEncryption) DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if drr.Key == nil {
		return nil, errors.New("data row record key cannot be empty")
	}

	if drr.Key.ParentKeyMeta == nil {
		return nil, errors.New("parent key meta cannot be empty")
	}

	if !e.partition.IsValidIntermediateKeyID(drr.Key.ParentKeyMeta.ID) {
		return nil, errors.New("unable to decrypt record: intermediate key does not belong to this partition")
	}

	meta := *drr.Key.ParentKeyMeta

	loader := keyLoaderFunc(func(m KeyMeta) (*internal.CryptoKey, error) {
		return e.loadIntermediateKey(ctx, m)
	})

	ik, err := e.intermediateKeys.GetOrLoad(meta, loader)
	if err != nil {
		return nil, err
	}
	defer ik.Close()

	if e.Policy.NotifyExpiredOnRead && internal.IsKeyInvalid(ik.CryptoKey, e.Policy.ExpireKeyAfter) {
		e.Policy.Notifier().Notify(Notification{
			Type:    NotifyExpiredRead,
			KeyMeta: meta,
			Message: "decrypted using an expired or revoked intermediate key",
		})
	}

	return decryptRow(ik, drr, e.Crypto)
}

// Close releases every key this partition's intermediate-key cache is
// holding. The system-key cache is owned by the SessionFactory and shared
// across every partition's envelopeEncryption; it is closed once by the
// factory itself, not here.
func (e *envelopeEncryption) Close() error {
	return e.intermediateKeys.Close()
}
