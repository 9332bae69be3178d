// Package metastore provides Metastore implementations: an in-process map
// for tests and local development, a database/sql-backed RDBMS store, and
// an AWS DynamoDB store with optional region-suffixed partitioning.
package metastore

import (
	"context"
	"sync"

	"github.com/keytower/keytower"
)

// Memory is an in-memory Metastore. It never persists anything beyond the
// life of the process; use it for tests and local development only.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]map[int64]*keytower.EnvelopeKeyRecord
}

// NewMemory returns an empty Memory metastore.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]map[int64]*keytower.EnvelopeKeyRecord)}
}

// Load returns the record for (id, created), or nil if absent.
func (m *Memory) Load(_ context.Context, id string, created int64) (*keytower.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.keys[id]
	if !ok {
		return nil, nil
	}

	return records[created], nil
}

// LoadLatest returns the record with the greatest created for id, or nil.
func (m *Memory) LoadLatest(_ context.Context, id string) (*keytower.EnvelopeKeyRecord, error) {
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

// Store inserts record iff (id, created) doesn't already exist.
func (m *Memory) Store(_ context.Context, id string, created int64, record *keytower.EnvelopeKeyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.keys[id]
	if !ok {
		records = make(map[int64]*keytower.EnvelopeKeyRecord)
		m.keys[id] = records
	}

	if _, exists := records[created]; exists {
		return false, nil
	}

	records[created] = record

	return true, nil
}

var _ keytower.Metastore = (*Memory)(nil)
