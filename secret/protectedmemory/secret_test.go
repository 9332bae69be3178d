package protectedmemory_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keytower/keytower/secret/protectedmemory"
)

func TestFactory_NewRoundTrip(t *testing.T) {
	f := new(protectedmemory.Factory)

	original := []byte("super secret key material")
	want := append([]byte(nil), original...)

	sec, err := f.New(original)
	require.NoError(t, err)
	defer sec.Close()

	err = sec.WithBytes(func(b []byte) error {
		assert.Equal(t, want, b)
		return nil
	})
	require.NoError(t, err)
}

func TestFactory_NewWipesSourceBuffer(t *testing.T) {
	f := new(protectedmemory.Factory)

	original := []byte("wipe me please!!")

	sec, err := f.New(original)
	require.NoError(t, err)
	defer sec.Close()

	assert.True(t, bytes.Equal(original, make([]byte, len(original))), "source buffer should be zeroed after New")
}

func TestFactory_CreateRandomProducesRequestedSize(t *testing.T) {
	f := new(protectedmemory.Factory)

	sec, err := f.CreateRandom(32)
	require.NoError(t, err)
	defer sec.Close()

	err = sec.WithBytes(func(b []byte) error {
		assert.Len(t, b, 32)
		return nil
	})
	require.NoError(t, err)
}

func TestSecret_CloseIsIdempotent(t *testing.T) {
	f := new(protectedmemory.Factory)

	sec, err := f.New([]byte("close me twice"))
	require.NoError(t, err)

	require.NoError(t, sec.Close())
	require.NoError(t, sec.Close())

	assert.True(t, sec.IsClosed())
}

func TestSecret_WithBytesAfterCloseFails(t *testing.T) {
	f := new(protectedmemory.Factory)

	sec, err := f.New([]byte("gone after close"))
	require.NoError(t, err)
	require.NoError(t, sec.Close())

	err = sec.WithBytes(func([]byte) error { return nil })
	assert.ErrorIs(t, err, protectedmemory.ErrClosed)
}

func TestSecret_ConcurrentAccessorsDoNotRace(t *testing.T) {
	f := new(protectedmemory.Factory)

	sec, err := f.New([]byte("shared under concurrent readers"))
	require.NoError(t, err)
	defer sec.Close()

	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := sec.WithBytes(func(b []byte) error {
				_ = len(b)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
}

func TestSecret_CloseBlocksUntilAccessorsRelease(t *testing.T) {
	f := new(protectedmemory.Factory)

	sec, err := f.New([]byte("close waits for readers"))
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = sec.WithBytes(func([]byte) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started

	done := make(chan struct{})
	go func() {
		sec.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned before the in-flight accessor released")
	default:
	}

	close(release)
	<-done

	assert.True(t, sec.IsClosed())
}
