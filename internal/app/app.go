// Package app provides the unified application lifecycle management for the
// capsync replica client: it wires storage, downloader, engine, lock, sync,
// and the instance registry together and owns their startup and shutdown.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/capsync/capsync/internal/cache"
	"github.com/capsync/capsync/internal/config"
	"github.com/capsync/capsync/internal/downloader"
	"github.com/capsync/capsync/internal/engine"
	"github.com/capsync/capsync/internal/lifecycle"
	"github.com/capsync/capsync/internal/lock"
	"github.com/capsync/capsync/internal/registry"
	"github.com/capsync/capsync/internal/storage"
	syncmgr "github.com/capsync/capsync/internal/sync"
)

// App manages the capsync client lifecycle.
type App struct {
	cfg *config.Config

	// Shared resources
	store    storage.ObjectStorage
	registry *registry.Registry
	shutdown *lifecycle.ShutdownManager

	// Lifecycle
	mu      sync.Mutex
	running bool
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
	}, nil
}

// Registry returns the instance registry. Valid after Start.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Start initializes shared resources and restores instances from the last
// snapshot, if one exists.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	store, err := a.openStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.store = store

	imageCache, err := cache.NewImageCache(a.cfg.Download.CacheDir, a.cfg.Download.CacheMaxBytes)
	if err != nil {
		return fmt.Errorf("failed to initialize image cache: %w", err)
	}

	dl := downloader.New(store, downloader.Config{
		Cache:          imageCache,
		MaxAttempts:    a.cfg.Download.MaxAttempts,
		InitialBackoff: a.cfg.Download.InitialBackoff,
	})
	opener := &engine.SQLiteOpener{Dir: filepath.Join(a.cfg.DataDir, "replicas")}
	if err := os.MkdirAll(opener.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create replica directory: %w", err)
	}

	clientID := uuid.NewString()
	lockClient := lock.NewHTTPClient(a.cfg.Lock.URL, clientID, a.cfg.Lock.RequestTimeout)
	transport := syncmgr.NewWebSocketTransport()

	a.registry = registry.New(a.cfg, dl, opener, lockClient, transport, clientID)

	a.shutdown = lifecycle.NewShutdownManager(lifecycle.DefaultShutdownConfig())
	a.registry.SetOperationTracker(a.shutdown)
	a.shutdown.RegisterCloser(lifecycle.NewMultiCloser(
		lifecycle.CloserFunc(func() error {
			return a.registry.CloseAll(context.Background())
		}),
		imageCache,
	))
	a.shutdown.OnShutdownStart(func() {
		if err := a.registry.SaveSnapshot(a.snapshotPath()); err != nil {
			log.Printf("app: snapshot save failed: %v", err)
		}
	})

	if metas, err := registry.LoadSnapshot(a.snapshotPath()); err == nil && len(metas) > 0 {
		log.Printf("app: restoring %d instances from snapshot", len(metas))
		if err := a.registry.Restore(ctx, metas); err != nil {
			log.Printf("app: snapshot restore incomplete: %v", err)
		}
	}

	log.Printf("capsync started (client %s, storage %s)", clientID, a.cfg.Storage.Type)
	return nil
}

// Stop gracefully shuts down all resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	return a.shutdown.Shutdown(ctx, "stop requested")
}

// Wait blocks until a termination signal arrives, then shuts down.
func (a *App) Wait(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

// openStorage constructs the configured object storage backend.
func (a *App) openStorage(ctx context.Context) (storage.ObjectStorage, error) {
	switch a.cfg.Storage.Type {
	case "local":
		return storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		return storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       a.cfg.Storage.S3.Region,
			Endpoint:     a.cfg.Storage.S3.Endpoint,
			UsePathStyle: a.cfg.Storage.S3.Endpoint != "",
		})
	default:
		return nil, fmt.Errorf("unknown storage type: %s", a.cfg.Storage.Type)
	}
}

func (a *App) snapshotPath() string {
	return filepath.Join(a.cfg.DataDir, "instances.json")
}
