// Package persistence provides adapters and a sample in-memory store for
// persisting DataRowRecords, separate from the Metastore that persists the
// key hierarchy protecting them.
package persistence

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/keytower/keytower"
)

// LoaderFunc adapts an ordinary function to keytower.Loader.
type LoaderFunc func(ctx context.Context, key interface{}) (*keytower.DataRowRecord, error)

// Load calls f(ctx, key).
func (f LoaderFunc) Load(ctx context.Context, key interface{}) (*keytower.DataRowRecord, error) {
	return f(ctx, key)
}

// StorerFunc adapts an ordinary function to keytower.Storer.
type StorerFunc func(ctx context.Context, d keytower.DataRowRecord) (interface{}, error)

// Store calls f(ctx, d).
func (f StorerFunc) Store(ctx context.Context, d keytower.DataRowRecord) (interface{}, error) {
	return f(ctx, d)
}

// Memory is a sample in-memory DataRowRecord store, keyed by a generated
// UUID. It exists to demonstrate wiring Session.Load/Store end to end; real
// applications persist DataRowRecords alongside their own data, not here.
type Memory struct {
	mu      sync.RWMutex
	records map[string]keytower.DataRowRecord
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]keytower.DataRowRecord)}
}

// Store persists d under a newly generated key and returns that key as a string.
func (m *Memory) Store(_ context.Context, d keytower.DataRowRecord) (interface{}, error) {
	id := uuid.NewString()

	m.mu.Lock()
	m.records[id] = d
	m.mu.Unlock()

	return id, nil
}

// Load retrieves the DataRowRecord stored under key, which must be the
// string previously returned by Store.
func (m *Memory) Load(_ context.Context, key interface{}) (*keytower.DataRowRecord, error) {
	id, ok := key.(string)
	if !ok {
		return nil, errNotAString
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.records[id]
	if !ok {
		return nil, nil
	}

	return &d, nil
}

var (
	_ keytower.Loader = (*Memory)(nil)
	_ keytower.Storer = (*Memory)(nil)
)

type loadKeyError string

func (e loadKeyError) Error() string { return string(e) }

const errNotAString = loadKeyError("persistence: key must be a string returned by Memory.Store")
