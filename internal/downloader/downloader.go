// Package downloader fetches database images from remote object storage
// with retry, byte-level progress reporting, and a local image cache.
package downloader

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/capsync/capsync/internal/cache"
	capsyncerrors "github.com/capsync/capsync/internal/errors"
	"github.com/capsync/capsync/internal/storage"
)

// trailerSize is the length of the murmur3-64 checksum appended to every
// published image object.
const trailerSize = 8

// Downloader retrieves database images for (tenant, video, database)
// triples. Transfers are whole-object: a failed attempt retries the full
// download with exponential backoff up to the attempt ceiling.
type Downloader struct {
	store          storage.ObjectStorage
	cache          *cache.ImageCache
	maxAttempts    int
	initialBackoff time.Duration
}

// Config holds downloader settings.
type Config struct {
	// Cache holds verified images on disk (nil = no caching).
	Cache *cache.ImageCache
	// MaxAttempts is the retry ceiling (default 5).
	MaxAttempts int
	// InitialBackoff doubles per attempt (default 100ms).
	InitialBackoff time.Duration
}

// New creates a downloader over the given object storage.
func New(store storage.ObjectStorage, cfg Config) *Downloader {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	return &Downloader{
		store:          store,
		cache:          cfg.Cache,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
	}
}

// Download fetches the database image for (tenantID, videoID, database).
// force bypasses the cache. onProgress receives byte-level progress for
// each attempt; it may be nil. The returned bytes are the raw SQLite image,
// decompressed and checksum-verified.
func (d *Downloader) Download(ctx context.Context, tenantID, videoID, database string, force bool, onProgress storage.ProgressFunc) ([]byte, error) {
	objectPath := storage.ImagePath(tenantID, videoID, database)

	if !force {
		if image, ok := d.readCache(objectPath); ok {
			if onProgress != nil {
				onProgress(int64(len(image)), int64(len(image)))
			}
			return image, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * d.initialBackoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		payload, err := d.store.Fetch(ctx, objectPath, onProgress)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, capsyncerrors.NewDownloadError(capsyncerrors.CodeImageNotFound,
					fmt.Sprintf("no image for %s", objectPath), err)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		image, err := DecodeImage(payload)
		if err != nil {
			// A bad frame on an otherwise successful transfer is treated
			// as a corrupted transfer and retried like a network failure.
			lastErr = err
			continue
		}

		d.writeCache(objectPath, image)
		return image, nil
	}

	if capsyncerrors.GetCode(lastErr) == capsyncerrors.CodeChecksumFailed {
		return nil, lastErr
	}
	return nil, capsyncerrors.NewDownloadError(capsyncerrors.CodeDownloadFailed,
		fmt.Sprintf("download of %s failed after %d attempts", objectPath, d.maxAttempts), lastErr)
}

// EncodeImage frames a raw SQLite image for publication: snappy block
// compression with a murmur3-64 trailer over the raw bytes.
func EncodeImage(image []byte) []byte {
	payload := snappy.Encode(nil, image)
	trailer := make([]byte, trailerSize)
	binary.BigEndian.PutUint64(trailer, murmur3.Sum64(image))
	return append(payload, trailer...)
}

// DecodeImage reverses EncodeImage, verifying the checksum.
func DecodeImage(payload []byte) ([]byte, error) {
	if len(payload) < trailerSize {
		return nil, capsyncerrors.NewDownloadError(capsyncerrors.CodeChecksumFailed,
			"image payload shorter than checksum trailer", nil)
	}
	body := payload[:len(payload)-trailerSize]
	want := binary.BigEndian.Uint64(payload[len(payload)-trailerSize:])

	image, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, capsyncerrors.NewDownloadError(capsyncerrors.CodeChecksumFailed,
			"image payload is not valid snappy data", err)
	}
	if murmur3.Sum64(image) != want {
		return nil, capsyncerrors.NewDownloadError(capsyncerrors.CodeChecksumFailed,
			"image checksum mismatch", nil)
	}
	return image, nil
}

// Pin keeps the cached image for (tenantID, videoID, database) out of cache
// eviction while its instance is open. No-op without a cache.
func (d *Downloader) Pin(tenantID, videoID, database string) {
	if d.cache != nil {
		d.cache.Pin(storage.ImagePath(tenantID, videoID, database))
	}
}

// Unpin makes the cached image evictable again once the instance closes.
func (d *Downloader) Unpin(tenantID, videoID, database string) {
	if d.cache != nil {
		d.cache.Unpin(storage.ImagePath(tenantID, videoID, database))
	}
}

// readCache returns a cached verified image if present.
func (d *Downloader) readCache(objectPath string) ([]byte, bool) {
	if d.cache == nil {
		return nil, false
	}
	return d.cache.Get(objectPath)
}

// writeCache stores a verified image; failures are logged and ignored.
func (d *Downloader) writeCache(objectPath string, image []byte) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Put(objectPath, image); err != nil {
		log.Printf("downloader: cache write failed for %s: %v", objectPath, err)
	}
}
