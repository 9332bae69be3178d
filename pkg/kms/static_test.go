package kms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/keytower/keytower"
	"github.com/keytower/keytower/internal"
	"github.com/keytower/keytower/pkg/crypto/aead"
	"github.com/keytower/keytower/secret/protectedmemory"
)

const testMasterKey = "bbsPfQTZsmwEcSRKND87WpoC9umuuuOo"

type mockAEAD struct {
	mock.Mock
}

func (c *mockAEAD) Encrypt(data, key []byte) ([]byte, error) {
	ret := c.Called(data, key)

	var b []byte
	if v := ret.Get(0); v != nil {
		b = v.([]byte)
	}

	return b, ret.Error(1)
}

func (c *mockAEAD) Decrypt(data, key []byte) ([]byte, error) {
	ret := c.Called(data, key)

	var b []byte
	if v := ret.Get(0); v != nil {
		b = v.([]byte)
	}

	return b, ret.Error(1)
}

func TestStatic_RoundTrip(t *testing.T) {
	crypto := aead.NewAES256GCM()

	m, err := NewStatic(testMasterKey, crypto)
	require.NoError(t, err)
	defer m.Close()

	key, err := internal.GenerateKey(new(protectedmemory.Factory), time.Now().Unix(), keytower.AES256KeySize)
	require.NoError(t, err)
	defer key.Close()

	encKey, err := internal.WithKeyFunc(key, func(b []byte) ([]byte, error) {
		return m.EncryptKey(context.Background(), b)
	})
	require.NoError(t, err)

	decrypted, err := m.DecryptKey(context.Background(), encKey)
	require.NoError(t, err)

	err = internal.WithKey(key, func(original []byte) error {
		assert.Equal(t, original, decrypted)
		return nil
	})
	require.NoError(t, err)
}

func TestStatic_NewStaticRejectsWrongKeySize(t *testing.T) {
	_, err := NewStatic("tooshort", aead.NewAES256GCM())
	assert.Error(t, err)
}

func TestStatic_EncryptKeyPropagatesError(t *testing.T) {
	crypto := new(mockAEAD)
	crypto.On("Encrypt", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	m, err := NewStatic(testMasterKey, crypto)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.EncryptKey(context.Background(), []byte("plaintext"))
	assert.Error(t, err)
}

func TestStatic_DecryptKeyPropagatesError(t *testing.T) {
	crypto := new(mockAEAD)
	crypto.On("Decrypt", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	m, err := NewStatic(testMasterKey, crypto)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.DecryptKey(context.Background(), []byte("ciphertext"))
	assert.Error(t, err)
}

func TestStatic_Close(t *testing.T) {
	m, err := NewStatic(testMasterKey, aead.NewAES256GCM())
	require.NoError(t, err)

	assert.False(t, m.key.IsClosed())

	require.NoError(t, m.Close())
	assert.True(t, m.key.IsClosed())

	// idempotent
	require.NoError(t, m.Close())
}
