package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keytower/keytower/secret"
)

// CryptoKey is an unencrypted key held in a protected memory region, plus
// the metadata the envelope engine needs to reason about it: when it was
// created, and whether it has been revoked.
type CryptoKey struct {
	created int64
	sec     secret.Secret
	once    sync.Once
	revoked uint32
}

// Created returns the key's creation time as a Unix second timestamp.
func (k *CryptoKey) Created() int64 { return k.created }

// Revoked reports whether the key has been marked revoked.
func (k *CryptoKey) Revoked() bool { return atomic.LoadUint32(&k.revoked) == 1 }

// SetRevoked atomically updates the revoked flag.
func (k *CryptoKey) SetRevoked(revoked bool) {
	var v uint32
	if revoked {
		v = 1
	}

	atomic.StoreUint32(&k.revoked, v)
}

// Close wipes the underlying secret. Idempotent.
func (k *CryptoKey) Close() {
	k.once.Do(k.close)
}

func (k *CryptoKey) close() {
	if k.sec == nil {
		return
	}

	k.sec.Close()
}

// IsClosed reports whether the key's backing secret has been closed.
func (k *CryptoKey) IsClosed() bool {
	return k.sec.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){created=%d,revoked=%t}", k, k.created, k.Revoked())
}

// WithBytes grants scoped access to the raw key bytes.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	return k.sec.WithBytes(action)
}

// WithBytesFunc is WithBytes for actions that return a value.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.sec.WithBytesFunc(action)
}

// NewCryptoKey wraps key in a new protected secret via factory. key is wiped
// once copied.
func NewCryptoKey(factory secret.Factory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	sec, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	ck := &CryptoKey{created: created, sec: sec}
	ck.SetRevoked(revoked)

	return ck, nil
}

// NewCryptoKeyForTest builds a CryptoKey with no backing secret. Only valid
// for tests that never dereference the key's bytes.
func NewCryptoKeyForTest(created int64, revoked bool) *CryptoKey {
	ck := &CryptoKey{created: created}
	ck.SetRevoked(revoked)

	return ck
}

// GenerateKey creates a new random CryptoKey of size bytes.
func GenerateKey(factory secret.Factory, created int64, size int) (*CryptoKey, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, sec: sec}, nil
}

// BytesAccessor grants a scoped read of a secret's bytes.
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey grants action a scoped view of key's bytes.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

// BytesFuncAccessor grants a scoped read of a secret's bytes, producing a result.
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc grants action a scoped view of key's bytes, returning its result.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

// Revokable reports a key's revocation state and age.
type Revokable interface {
	Revoked() bool
	Created() int64
}

// IsKeyInvalid reports whether key is revoked or older than expireAfter.
func IsKeyInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsKeyExpired(key.Created(), expireAfter)
}

// IsKeyExpired reports whether created is older than expireAfter.
func IsKeyExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}
