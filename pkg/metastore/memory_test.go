package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keytower/keytower"
)

func TestMemory_StoreAndLoad(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	created := time.Now().Unix()

	record := &keytower.EnvelopeKeyRecord{Created: created, EncryptedKey: []byte("ciphertext")}

	ok, err := m.Store(ctx, "id1", created, record)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Load(ctx, "id1", created)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.EncryptedKey, got.EncryptedKey)
}

func TestMemory_LoadMissing(t *testing.T) {
	m := NewMemory()

	got, err := m.Load(context.Background(), "nope", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_StoreDuplicateReturnsFalse(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	created := time.Now().Unix()

	ok, err := m.Store(ctx, "id1", created, &keytower.EnvelopeKeyRecord{Created: created})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Store(ctx, "id1", created, &keytower.EnvelopeKeyRecord{Created: created})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_LoadLatestReturnsNewest(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().Unix()

	_, _ = m.Store(ctx, "id1", base, &keytower.EnvelopeKeyRecord{Created: base})
	_, _ = m.Store(ctx, "id1", base+100, &keytower.EnvelopeKeyRecord{Created: base + 100})
	_, _ = m.Store(ctx, "id1", base-100, &keytower.EnvelopeKeyRecord{Created: base - 100})

	got, err := m.LoadLatest(ctx, "id1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, base+100, got.Created)
}

func TestMemory_LoadLatestNonExistent(t *testing.T) {
	m := NewMemory()

	got, err := m.LoadLatest(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}
