// Package keytower implements a three-layer envelope key hierarchy — master
// key, system key, intermediate key, data row key — for application-layer
// encryption. Applications interact with a SessionFactory, created once at
// startup, which hands out per-partition Sessions. A Session should be
// closed as soon as it's no longer needed to release any locked key memory
// it's holding; see mlock(2)/ulimit for the system limits this protects.
package keytower

import "context"

// MetricsPrefix namespaces the envelope, KMS and metastore go-metrics timers
// this module registers; the secret packages' metrics use a "secret." prefix.
const MetricsPrefix = "ktw"

// AES256KeySize is the key size, in bytes, used throughout the envelope
// hierarchy.
const AES256KeySize int = 32

// Encryption encrypts and decrypts payloads for a single partition.
type Encryption interface {
	// EncryptPayload encrypts data and returns a DataRowRecord carrying
	// everything needed to decrypt it again.
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)

	// DecryptDataRowRecord reverses EncryptPayload.
	DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error)

	// Close releases any resources (e.g. cached keys) held by this instance.
	Close() error
}

// KeyManagementService wraps/unwraps a system key using a master key held
// by an external provider (e.g. a cloud KMS). The master key itself never
// appears in this interface.
type KeyManagementService interface {
	// EncryptKey wraps key with the master key. The result is what gets
	// stored in the Metastore.
	EncryptKey(ctx context.Context, key []byte) ([]byte, error)

	// DecryptKey reverses EncryptKey.
	DecryptKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Metastore persists EnvelopeKeyRecords addressed by (id, created).
type Metastore interface {
	// Load returns the record for (id, created), or nil if absent.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)

	// LoadLatest returns the record with the greatest created for id, or
	// nil if none exists.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)

	// Store inserts record iff (id, created) doesn't already exist. It
	// returns false on a duplicate rather than upserting — callers depend
	// on this to detect and recover from concurrent key creation.
	Store(ctx context.Context, id string, created int64, record *EnvelopeKeyRecord) (bool, error)
}

// AEAD encrypts/decrypts arbitrary bytes under an arbitrary key.
type AEAD interface {
	Encrypt(data, key []byte) ([]byte, error)
	Decrypt(data, key []byte) ([]byte, error)
}

// Loader retrieves a DataRowRecord from a persistence store by an
// application-defined key.
type Loader interface {
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists a DataRowRecord and returns the key needed to load it again.
type Storer interface {
	Store(ctx context.Context, d DataRowRecord) (interface{}, error)
}
