// Package kms provides KeyManagementService implementations: a static,
// in-memory master key for tests and local development, and an AWS KMS
// backed provider supporting multi-region encrypt with fail-over decrypt.
package kms

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/keytower/keytower"
	"github.com/keytower/keytower/internal"
	"github.com/keytower/keytower/secret/protectedmemory"
)

const staticKeySize = 32

// Static is an in-memory master key. It is not safe for production use —
// the key never leaves the process, so there is no separation between the
// key holder and the data it protects.
type Static struct {
	Crypto keytower.AEAD
	key    *internal.CryptoKey
}

// NewStatic builds a Static KMS from a 32-byte master key.
func NewStatic(key string, crypto keytower.AEAD) (*Static, error) {
	if len(key) != staticKeySize {
		return nil, errors.Errorf("invalid key size %d, must be %d bytes", len(key), staticKeySize)
	}

	ck, err := internal.NewCryptoKey(new(protectedmemory.Factory), time.Now().Unix(), false, []byte(key))
	if err != nil {
		return nil, err
	}

	return &Static{Crypto: crypto, key: ck}, nil
}

// EncryptKey wraps key with the master key.
func (s *Static) EncryptKey(_ context.Context, key []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(kekBytes []byte) ([]byte, error) {
		return s.Crypto.Encrypt(key, kekBytes)
	})
}

// DecryptKey reverses EncryptKey.
func (s *Static) DecryptKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(kekBytes []byte) ([]byte, error) {
		return s.Crypto.Decrypt(wrapped, kekBytes)
	})
}

// Close wipes the master key. Call once, when the KMS is no longer needed.
func (s *Static) Close() error {
	if s.key != nil {
		s.key.Close()
	}

	return nil
}

var _ keytower.KeyManagementService = (*Static)(nil)
