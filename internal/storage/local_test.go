package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoragePutFetch(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	data := []byte("caption replica image bytes")
	path := ImagePath("acme", "v1", "captions")

	require.NoError(t, store.Put(context.Background(), path, data))

	got, err := store.Fetch(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalStorageFetchReportsProgress(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	data := make([]byte, 200*1024) // forces multiple 64KiB chunks
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, store.Put(context.Background(), "acme/v1/layout.db.snappy", data))

	var calls int
	var lastReceived, lastTotal int64
	got, err := store.Fetch(context.Background(), "acme/v1/layout.db.snappy", func(received, total int64) {
		calls++
		lastReceived = received
		lastTotal = total
	})
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.GreaterOrEqual(t, calls, 3)
	assert.Equal(t, int64(len(data)), lastReceived)
	assert.Equal(t, int64(len(data)), lastTotal)
}

func TestLocalStorageFetchMissing(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), "acme/v404/captions.db.snappy", nil)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorageExists(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ok, err := store.Exists(context.Background(), "acme/v1/captions.db.snappy")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(context.Background(), "acme/v1/captions.db.snappy", []byte("x")))

	ok, err = store.Exists(context.Background(), "acme/v1/captions.db.snappy")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalStorageListObjects(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "acme/v1/captions.db.snappy", []byte("a")))
	require.NoError(t, store.Put(ctx, "acme/v1/layout.db.snappy", []byte("b")))
	require.NoError(t, store.Put(ctx, "other/v2/captions.db.snappy", []byte("c")))

	objects, err := store.ListObjects(ctx, "acme/")
	require.NoError(t, err)
	assert.Len(t, objects, 2)
}

func TestLocalStorageFetchCancelled(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Fetch(ctx, "acme/v1/captions.db.snappy", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
