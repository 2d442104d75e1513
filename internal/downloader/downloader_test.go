package downloader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsync/capsync/internal/cache"
	capsyncerrors "github.com/capsync/capsync/internal/errors"
	"github.com/capsync/capsync/internal/storage"
)

// flakyStorage fails the first failures fetches, then delegates.
type flakyStorage struct {
	storage.ObjectStorage
	failures int32
}

func (f *flakyStorage) Fetch(ctx context.Context, objectPath string, onProgress storage.ProgressFunc) ([]byte, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, errors.New("transient network failure")
	}
	return f.ObjectStorage.Fetch(ctx, objectPath, onProgress)
}

func seedImage(t *testing.T, store *storage.LocalStorage, tenant, video, database string, image []byte) {
	t.Helper()
	path := storage.ImagePath(tenant, video, database)
	require.NoError(t, store.Put(context.Background(), path, EncodeImage(image)))
}

func newTestCache(t *testing.T) *cache.ImageCache {
	t.Helper()
	c, err := cache.NewImageCache(t.TempDir(), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDownloadSuccess(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	image := []byte("SQLite format 3\x00 plus body bytes")
	seedImage(t, store, "acme", "v1", "captions", image)

	d := New(store, Config{})
	got, err := d.Download(context.Background(), "acme", "v1", "captions", false, nil)
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestDownloadReportsProgress(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	image := make([]byte, 300*1024)
	seedImage(t, store, "acme", "v1", "layout", image)

	var calls int32
	d := New(store, Config{})
	_, err = d.Download(context.Background(), "acme", "v1", "layout", false,
		func(received, total int64) { atomic.AddInt32(&calls, 1) })
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(&calls), int32(0))
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	image := []byte("SQLite format 3\x00 retry me")
	seedImage(t, local, "acme", "v2", "captions", image)

	flaky := &flakyStorage{ObjectStorage: local, failures: 2}
	d := New(flaky, Config{MaxAttempts: 4, InitialBackoff: time.Millisecond})

	got, err := d.Download(context.Background(), "acme", "v2", "captions", false, nil)
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestDownloadExhaustsRetries(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	flaky := &flakyStorage{ObjectStorage: local, failures: 100}
	d := New(flaky, Config{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	_, err = d.Download(context.Background(), "acme", "v3", "captions", false, nil)
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeDownloadFailed, capsyncerrors.GetCode(err))
	assert.True(t, capsyncerrors.IsRetryable(err))
}

func TestDownloadMissingImage(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	d := New(store, Config{MaxAttempts: 3, InitialBackoff: time.Millisecond})
	_, err = d.Download(context.Background(), "acme", "missing", "captions", false, nil)
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeImageNotFound, capsyncerrors.GetCode(err))
}

func TestDownloadChecksumMismatch(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	image := []byte("SQLite format 3\x00 tampered")
	payload := EncodeImage(image)
	payload[len(payload)-1] ^= 0xFF // corrupt the trailer
	path := storage.ImagePath("acme", "v4", "captions")
	require.NoError(t, store.Put(context.Background(), path, payload))

	d := New(store, Config{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	_, err = d.Download(context.Background(), "acme", "v4", "captions", false, nil)
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeChecksumFailed, capsyncerrors.GetCode(err))
}

func TestDownloadUsesCache(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	image := []byte("SQLite format 3\x00 cached")
	seedImage(t, local, "acme", "v5", "captions", image)

	d := New(local, Config{Cache: newTestCache(t)})

	got, err := d.Download(context.Background(), "acme", "v5", "captions", false, nil)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	// Remove the remote object; the cached copy must satisfy the next call.
	require.NoError(t, local.Clear())
	got, err = d.Download(context.Background(), "acme", "v5", "captions", false, nil)
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestForceDownloadBypassesCache(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	stale := []byte("SQLite format 3\x00 stale")
	fresh := []byte("SQLite format 3\x00 fresh")
	seedImage(t, local, "acme", "v6", "captions", stale)

	d := New(local, Config{Cache: newTestCache(t)})

	got, err := d.Download(context.Background(), "acme", "v6", "captions", false, nil)
	require.NoError(t, err)
	assert.Equal(t, stale, got)

	seedImage(t, local, "acme", "v6", "captions", fresh)

	// Without force the stale cache wins; with force the fresh image does.
	got, err = d.Download(context.Background(), "acme", "v6", "captions", false, nil)
	require.NoError(t, err)
	assert.Equal(t, stale, got)

	got, err = d.Download(context.Background(), "acme", "v6", "captions", true, nil)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
}

func TestPinnedImageSurvivesEviction(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	image := append([]byte("SQLite format 3\x00"), make([]byte, 500)...)
	seedImage(t, local, "acme", "v8", "captions", image)

	c, err := cache.NewImageCache(t.TempDir(), 1000)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	d := New(local, Config{Cache: c})
	_, err = d.Download(context.Background(), "acme", "v8", "captions", false, nil)
	require.NoError(t, err)
	d.Pin("acme", "v8", "captions")

	// Overflow the cache; eviction must take the fillers, not the pin.
	require.NoError(t, c.Put("acme/other1/db.db.snappy", make([]byte, 400)))
	require.NoError(t, c.Put("acme/other2/db.db.snappy", make([]byte, 400)))
	require.Eventually(t, func() bool {
		return c.Size() <= 1000
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := c.Get(storage.ImagePath("acme", "v8", "captions"))
	assert.True(t, ok)

	// Unpinned, the image is an ordinary candidate again.
	d.Unpin("acme", "v8", "captions")
}

func TestDownloadCancelled(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	flaky := &flakyStorage{ObjectStorage: local, failures: 100}
	d := New(flaky, Config{MaxAttempts: 10, InitialBackoff: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = d.Download(ctx, "acme", "v7", "captions", false, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImageFrameRoundTrip(t *testing.T) {
	image := []byte("SQLite format 3\x00 round trip body")
	decoded, err := DecodeImage(EncodeImage(image))
	require.NoError(t, err)
	assert.Equal(t, image, decoded)
}

func TestDecodeImageTooShort(t *testing.T) {
	_, err := DecodeImage([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeChecksumFailed, capsyncerrors.GetCode(err))
}
