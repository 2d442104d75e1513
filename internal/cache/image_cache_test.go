package cache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxBytes int64) *ImageCache {
	t.Helper()
	c, err := NewImageCache(t.TempDir(), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(t, 1<<20)

	image := bytes.Repeat([]byte("a"), 512)
	require.NoError(t, c.Put("t1/v1/layout.db.snappy", image))

	got, ok := c.Get("t1/v1/layout.db.snappy")
	require.True(t, ok)
	assert.Equal(t, image, got)
	assert.Equal(t, int64(512), c.Size())
	assert.Equal(t, int64(1), c.Count())
}

func TestGetMissingIsMiss(t *testing.T) {
	c := newTestCache(t, 1<<20)

	_, ok := c.Get("t1/v1/missing.db.snappy")
	assert.False(t, ok)
	assert.Equal(t, float64(0), c.HitRate())
}

func TestPutReplacesExistingEntry(t *testing.T) {
	c := newTestCache(t, 1<<20)

	require.NoError(t, c.Put("t1/v1/layout.db.snappy", bytes.Repeat([]byte("a"), 100)))
	require.NoError(t, c.Put("t1/v1/layout.db.snappy", bytes.Repeat([]byte("b"), 300)))

	got, ok := c.Get("t1/v1/layout.db.snappy")
	require.True(t, ok)
	assert.Len(t, got, 300)
	assert.Equal(t, int64(300), c.Size())
	assert.Equal(t, int64(1), c.Count())
}

func TestRejectsEmptyImage(t *testing.T) {
	c := newTestCache(t, 1<<20)
	require.Error(t, c.Put("t1/v1/layout.db.snappy", nil))
}

func TestEvictionFreesLeastUsed(t *testing.T) {
	c := newTestCache(t, 1000)

	require.NoError(t, c.Put("t1/v1/a.db.snappy", bytes.Repeat([]byte("a"), 400)))
	require.NoError(t, c.Put("t1/v1/b.db.snappy", bytes.Repeat([]byte("b"), 400)))

	// Touch b so a becomes the eviction candidate.
	_, ok := c.Get("t1/v1/b.db.snappy")
	require.True(t, ok)

	require.NoError(t, c.Put("t1/v1/c.db.snappy", bytes.Repeat([]byte("c"), 400)))
	c.performEviction()

	assert.LessOrEqual(t, c.Size(), int64(900))
	_, ok = c.Get("t1/v1/a.db.snappy")
	assert.False(t, ok)
	_, ok = c.Get("t1/v1/b.db.snappy")
	assert.True(t, ok)
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	c := newTestCache(t, 1000)

	require.NoError(t, c.Put("t1/v1/a.db.snappy", bytes.Repeat([]byte("a"), 600)))
	c.Pin("t1/v1/a.db.snappy")
	require.NoError(t, c.Put("t1/v1/b.db.snappy", bytes.Repeat([]byte("b"), 600)))

	c.performEviction()

	_, ok := c.Get("t1/v1/a.db.snappy")
	assert.True(t, ok)

	c.Unpin("t1/v1/a.db.snappy")
	require.NoError(t, c.Put("t1/v1/d.db.snappy", bytes.Repeat([]byte("d"), 600)))
	c.performEviction()
	assert.LessOrEqual(t, c.Size(), int64(900))
}

func TestRemoveAndClear(t *testing.T) {
	c := newTestCache(t, 1<<20)

	require.NoError(t, c.Put("t1/v1/a.db.snappy", []byte("aaaa")))
	require.NoError(t, c.Put("t1/v1/b.db.snappy", []byte("bbbb")))

	assert.True(t, c.Remove("t1/v1/a.db.snappy"))
	assert.False(t, c.Remove("t1/v1/a.db.snappy"))

	c.Clear()
	assert.Equal(t, int64(0), c.Size())
	assert.Equal(t, int64(0), c.Count())
}

func TestScanAdoptsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	first, err := NewImageCache(dir, 1<<20)
	require.NoError(t, err)
	require.NoError(t, first.Put("t1/v1/layout.db.snappy", []byte("image-bytes")))
	first.Close()

	second, err := NewImageCache(dir, 1<<20)
	require.NoError(t, err)
	defer second.Close()

	got, ok := second.Get("t1/v1/layout.db.snappy")
	require.True(t, ok)
	assert.Equal(t, []byte("image-bytes"), got)
}

func TestCacheFileNameFallsBackToHash(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 300)
	name := cacheFileName(string(long))
	assert.Len(t, name, 20) // 16 hex chars + ".img"
	assert.Equal(t, name, cacheFileName(string(long)))
}
