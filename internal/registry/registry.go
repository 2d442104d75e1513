// Package registry is the instance registry: the explicit service that owns
// every live replica instance and mediates all access to them. An instance
// is one hydrated (videoId, databaseName) replica with its engine, sync
// channel, and lock state; the registry guarantees at most one live instance
// per identity and serializes mutating operations per instance.
package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/capsync/capsync/internal/config"
	"github.com/capsync/capsync/internal/downloader"
	"github.com/capsync/capsync/internal/engine"
	capsyncerrors "github.com/capsync/capsync/internal/errors"
	"github.com/capsync/capsync/internal/lock"
	"github.com/capsync/capsync/internal/observability"
	syncmgr "github.com/capsync/capsync/internal/sync"
	"github.com/capsync/capsync/pkg/types"
)

// instance is one live replica. done is closed when initialization
// finishes, successfully or not; after a failed initialization the
// instance is removed from the registry and initErr holds the failure.
type instance struct {
	id   types.InstanceID
	done chan struct{}

	cancelInit context.CancelFunc

	// opMu serializes mutating operations on this instance.
	opMu sync.Mutex

	mu            sync.Mutex
	ready         bool
	initErr       error
	eng           engine.Engine
	channel       *syncmgr.Manager
	version       int64
	initializedAt time.Time
	lastSend      time.Time
}

// Idle instance statistics age out on this cadence.
var (
	statsWindow        = time.Hour
	statsPruneInterval = 5 * time.Minute
)

// OperationTracker observes the start and end of instance operations so a
// graceful shutdown can drain them before tearing resources down.
type OperationTracker interface {
	// TrackOperation registers one in-flight operation. False means
	// shutdown is in progress and the operation must be rejected.
	TrackOperation() bool
	UntrackOperation()
}

// Registry owns all live instances. There is no ambient singleton: callers
// construct a Registry and pass it where needed.
type Registry struct {
	cfg       *config.Config
	dl        *downloader.Downloader
	opener    engine.Opener
	transport syncmgr.Transport
	locks     *lock.Manager
	notifier  *Notifier
	stats     *observability.SyncStats
	sem       *semaphore.Weighted
	clientID  string
	stopPrune chan struct{}

	mu        sync.Mutex
	instances map[types.InstanceID]*instance
	tracker   OperationTracker
	closed    bool
}

// New creates a registry. clientID is the lock holder identity shared with
// the lock client; empty means generate one. One registry corresponds to
// one editing session.
func New(cfg *config.Config, dl *downloader.Downloader, opener engine.Opener, lockClient lock.Client, transport syncmgr.Transport, clientID string) *Registry {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	r := &Registry{
		cfg:       cfg,
		dl:        dl,
		opener:    opener,
		transport: transport,
		notifier:  NewNotifier(64),
		stats:     observability.NewSyncStats(statsWindow),
		sem:       semaphore.NewWeighted(int64(cfg.Download.MaxConcurrent)),
		clientID:  clientID,
		stopPrune: make(chan struct{}),
		instances: make(map[types.InstanceID]*instance),
	}
	r.locks = lock.NewManager(lockClient, clientID, func(id types.InstanceID, status types.LockStatus) {
		r.notifier.Publish(Event{
			Type:      LockStatusChanged,
			Instance:  id,
			Lock:      &status,
			Timestamp: time.Now().UnixNano(),
		})
	})
	go r.pruneStatsLoop()
	return r
}

// pruneStatsLoop drops statistics for instances with no recent sync
// activity. Runs until CloseAll.
func (r *Registry) pruneStatsLoop() {
	ticker := time.NewTicker(statsPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.stats.Prune()
		case <-r.stopPrune:
			return
		}
	}
}

// SetOperationTracker wires shutdown draining: every Initialize, Query, and
// Exec counts as in flight for its duration.
func (r *Registry) SetOperationTracker(t OperationTracker) {
	r.mu.Lock()
	r.tracker = t
	r.mu.Unlock()
}

// beginOp registers an in-flight operation with the tracker, if any. The
// returned func must be called when the operation finishes.
func (r *Registry) beginOp() (func(), error) {
	r.mu.Lock()
	tracker := r.tracker
	r.mu.Unlock()
	if tracker == nil {
		return func() {}, nil
	}
	if !tracker.TrackOperation() {
		return nil, capsyncerrors.New(capsyncerrors.ErrCategoryInternal,
			capsyncerrors.CodeInstanceClosed, "shutdown in progress")
	}
	return tracker.UntrackOperation, nil
}

// ClientID returns this registry's lock holder identity.
func (r *Registry) ClientID() string {
	return r.clientID
}

// Notifier returns the instance event bus.
func (r *Registry) Notifier() *Notifier {
	return r.notifier
}

// Stats returns the sync statistics tracker.
func (r *Registry) Stats() *observability.SyncStats {
	return r.stats
}

// Initialize hydrates an instance: download the image, open the engine,
// and connect the sync channel. Concurrent calls for the same identity
// collapse onto one initialization; a call for an already live instance
// returns immediately. force bypasses the local image cache.
//
// A failed or cancelled initialization never leaves a partial instance:
// the identity is removed and a later Initialize starts fresh.
func (r *Registry) Initialize(ctx context.Context, id types.InstanceID, force bool) error {
	endOp, err := r.beginOp()
	if err != nil {
		return err
	}
	defer endOp()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return capsyncerrors.New(capsyncerrors.ErrCategoryInternal,
			capsyncerrors.CodeInstanceClosed, "registry is closed")
	}
	if existing, ok := r.instances[id]; ok {
		r.mu.Unlock()
		select {
		case <-existing.done:
			existing.mu.Lock()
			defer existing.mu.Unlock()
			return existing.initErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	inst := &instance{id: id, done: make(chan struct{})}
	initCtx, cancel := context.WithCancel(ctx)
	inst.cancelInit = cancel
	r.instances[id] = inst
	r.mu.Unlock()

	err = r.initialize(initCtx, inst, force)

	inst.mu.Lock()
	inst.initErr = err
	inst.ready = err == nil
	inst.mu.Unlock()
	close(inst.done)

	if err != nil {
		r.mu.Lock()
		if r.instances[id] == inst {
			delete(r.instances, id)
		}
		r.mu.Unlock()
	}
	return err
}

// initialize runs the hydration pipeline for one instance. Concurrent
// hydrations are bounded by the download semaphore.
func (r *Registry) initialize(ctx context.Context, inst *instance, force bool) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	id := inst.id
	image, err := r.dl.Download(ctx, r.cfg.TenantID, id.VideoID, id.Database, force,
		func(received, total int64) {
			r.notifier.Publish(Event{
				Type:      DownloadProgressed,
				Instance:  id,
				Progress:  &types.DownloadProgress{BytesReceived: received, TotalBytes: total},
				Timestamp: time.Now().UnixNano(),
			})
		})
	if err != nil {
		return err
	}

	eng, err := r.opener.Open(ctx, id, image)
	if err != nil {
		return err
	}

	version, err := eng.VersionInfo(ctx)
	if err != nil {
		eng.Close()
		return err
	}

	channel := syncmgr.NewManager(r.transport, r.cfg.Sync, r.handlers(inst))

	inst.mu.Lock()
	inst.eng = eng
	inst.channel = channel
	inst.version = version
	inst.initializedAt = time.Now()
	inst.mu.Unlock()

	// Channel failures are not fatal to the instance: it stays usable with
	// changes queued, and the channel keeps retrying in the background.
	if err := channel.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			channel.Close()
			eng.Close()
			return ctx.Err()
		}
		log.Printf("registry: sync channel for %s unavailable, continuing offline: %v", id, err)
		r.notifier.Publish(Event{
			Type:      SyncFailed,
			Instance:  id,
			Err:       err,
			Timestamp: time.Now().UnixNano(),
		})
	}

	// The cached image backs the live instance; keep it out of eviction.
	r.dl.Pin(r.cfg.TenantID, id.VideoID, id.Database)
	return nil
}

// handlers binds the sync channel callbacks to one instance.
func (r *Registry) handlers(inst *instance) syncmgr.Handlers {
	id := inst.id
	return syncmgr.Handlers{
		OnRemoteChanges: func(cs *types.ChangeSet, version int64) {
			start := time.Now()
			inst.mu.Lock()
			eng := inst.eng
			inst.mu.Unlock()
			if eng == nil {
				return
			}
			if err := eng.ApplyChanges(context.Background(), cs); err != nil {
				log.Printf("registry: apply of remote changes for %s failed: %v", id, err)
				r.notifier.Publish(Event{
					Type:      SyncFailed,
					Instance:  id,
					Err:       err,
					Timestamp: time.Now().UnixNano(),
				})
				return
			}
			inst.mu.Lock()
			if version > inst.version {
				inst.version = version
			}
			inst.mu.Unlock()
			r.stats.RecordApply(id, time.Since(start))
		},
		OnAck: func(version int64, pending int) {
			inst.mu.Lock()
			if version > inst.version {
				inst.version = version
			}
			last := inst.lastSend
			inst.mu.Unlock()
			if !last.IsZero() {
				r.stats.RecordAck(id, time.Since(last))
			}
		},
		OnLock: func(state types.LockState, holder string) {
			r.locks.ApplyRemote(id, state, holder)
		},
		OnSessionTransferred: func(newTabID string) {
			// Another tab owns the session now. Not an error: edit
			// authority moves, the instance stays open read-only.
			status := r.locks.RevokeLocal(id)
			log.Printf("registry: session for %s transferred to %s, now read-only (lock %s)",
				id, newTabID, status.State)
		},
		OnError: func(err error) {
			r.notifier.Publish(Event{
				Type:      SyncFailed,
				Instance:  id,
				Err:       err,
				Timestamp: time.Now().UnixNano(),
			})
		},
		OnStatusChange: func(status types.SyncStatus) {
			r.notifier.Publish(Event{
				Type:      SyncStatusChanged,
				Instance:  id,
				Sync:      &status,
				Timestamp: time.Now().UnixNano(),
			})
		},
	}
}

// ready returns a live, fully initialized instance.
func (r *Registry) ready(id types.InstanceID) (*instance, error) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return nil, capsyncerrors.New(capsyncerrors.ErrCategoryInternal,
			capsyncerrors.CodeInstanceClosed, "instance "+id.String()+" is not initialized")
	}

	<-inst.done
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.ready {
		return nil, capsyncerrors.New(capsyncerrors.ErrCategoryInternal,
			capsyncerrors.CodeInstanceClosed, "instance "+id.String()+" is not initialized")
	}
	return inst, nil
}

// Query runs a read-only statement. Queries never require the edit lock.
func (r *Registry) Query(ctx context.Context, id types.InstanceID, sql string, params ...interface{}) (*types.ResultSet, error) {
	endOp, err := r.beginOp()
	if err != nil {
		return nil, err
	}
	defer endOp()

	inst, err := r.ready(id)
	if err != nil {
		return nil, err
	}
	return inst.eng.Query(ctx, sql, params...)
}

// Exec runs a mutating statement. The caller must hold the edit lock;
// without it the statement is rejected before reaching the engine. On
// success the resulting change set is handed to the sync channel.
func (r *Registry) Exec(ctx context.Context, id types.InstanceID, sql string, params ...interface{}) (int64, error) {
	endOp, err := r.beginOp()
	if err != nil {
		return 0, err
	}
	defer endOp()

	inst, err := r.ready(id)
	if err != nil {
		return 0, err
	}

	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	if !r.locks.CanEdit(id) {
		return 0, capsyncerrors.NewPermissionError(
			"edit lock for " + id.String() + " is not held by this client")
	}

	inst.mu.Lock()
	baseVersion := inst.version
	eng := inst.eng
	channel := inst.channel
	inst.mu.Unlock()

	affected, err := eng.Exec(ctx, sql, params...)
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, nil
	}

	cs, err := eng.ChangesSince(ctx, baseVersion)
	if err != nil {
		return affected, err
	}

	inst.mu.Lock()
	inst.version = cs.Version
	inst.lastSend = time.Now()
	inst.mu.Unlock()

	if err := channel.SendChanges(cs); err != nil {
		return affected, err
	}
	r.stats.RecordSend(id)
	return affected, nil
}

// Version returns the instance's current database version.
func (r *Registry) Version(id types.InstanceID) (int64, error) {
	inst, err := r.ready(id)
	if err != nil {
		return 0, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.version, nil
}

// AcquireLock requests the edit lock for an instance. Denial is non-fatal:
// the instance stays usable read-only and the status carries the holder.
func (r *Registry) AcquireLock(ctx context.Context, id types.InstanceID) (types.LockStatus, error) {
	if _, err := r.ready(id); err != nil {
		return types.LockStatus{State: types.LockReleased}, err
	}
	return r.locks.Acquire(ctx, id)
}

// ReleaseLock releases the edit lock. Idempotent.
func (r *Registry) ReleaseLock(ctx context.Context, id types.InstanceID) {
	r.locks.Release(ctx, id)
}

// LockStatus returns the current lock status for an instance.
func (r *Registry) LockStatus(id types.InstanceID) types.LockStatus {
	return r.locks.Status(id)
}

// CheckLock polls the lock service for authoritative state. Used after a
// denied acquire and after reconnect.
func (r *Registry) CheckLock(ctx context.Context, id types.InstanceID) (types.LockStatus, error) {
	if _, err := r.ready(id); err != nil {
		return types.LockStatus{State: types.LockReleased}, err
	}
	return r.locks.Check(ctx, id)
}

// SyncStatus returns the current sync status for an instance.
func (r *Registry) SyncStatus(id types.InstanceID) (types.SyncStatus, error) {
	inst, err := r.ready(id)
	if err != nil {
		return types.SyncStatus{ConnectionState: types.ConnDisconnected}, err
	}
	return inst.channel.Status(), nil
}

// Close tears down one instance: release the lock, close the sync channel,
// close the engine, and remove the identity. Closing an unknown instance is
// a no-op; closing an initializing instance cancels the initialization.
func (r *Registry) Close(ctx context.Context, id types.InstanceID) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	inst.cancelInit()
	<-inst.done

	inst.mu.Lock()
	eng := inst.eng
	channel := inst.channel
	wasReady := inst.ready
	inst.ready = false
	inst.mu.Unlock()

	if !wasReady {
		return nil
	}

	// Lock release is best-effort: the service's stale-holder TTL reclaims
	// the lock if we cannot reach it.
	if status := r.locks.Status(id); status.State != types.LockReleased {
		r.locks.Release(ctx, id)
	}
	r.locks.Forget(id)
	r.dl.Unpin(r.cfg.TenantID, id.VideoID, id.Database)

	var firstErr error
	if channel != nil {
		if err := channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if eng != nil {
		if err := eng.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.stats.Forget(id)

	r.notifier.Publish(Event{
		Type:      InstanceClosed,
		Instance:  id,
		Timestamp: time.Now().UnixNano(),
	})
	return firstErr
}

// CloseAll closes every live instance and marks the registry closed.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	alreadyClosed := r.closed
	r.closed = true
	ids := make([]types.InstanceID, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if !alreadyClosed {
		close(r.stopPrune)
	}

	var firstErr error
	for _, id := range ids {
		if err := r.Close(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Instances returns the identities of all live instances.
func (r *Registry) Instances() []types.InstanceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]types.InstanceID, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}
