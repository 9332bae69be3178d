package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
)

// nonceSize is the standard GCM nonce length.
const nonceSize = 12

// AES256GCM implements AEAD using AES-256 in GCM mode. The nonce is
// generated fresh per Encrypt call and stored as a prefix of the returned
// ciphertext.
type AES256GCM struct{}

// NewAES256GCM returns an AES-256-GCM AEAD implementation.
func NewAES256GCM() AES256GCM {
	return AES256GCM{}
}

func (AES256GCM) gcm(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes.NewCipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "cipher.NewGCM")
	}

	return gcm, nil
}

// Encrypt returns nonce||ciphertext||tag.
func (a AES256GCM) Encrypt(data, key []byte) ([]byte, error) {
	gcm, err := a.gcm(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt reverses Encrypt.
func (a AES256GCM) Decrypt(data, key []byte) ([]byte, error) {
	gcm, err := a.gcm(key)
	if err != nil {
		return nil, err
	}

	if len(data) < nonceSize {
		return nil, errors.New("aead: ciphertext shorter than nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "gcm.Open")
	}

	return plaintext, nil
}
