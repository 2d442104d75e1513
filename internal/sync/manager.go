package sync

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/capsync/capsync/internal/config"
	capsyncerrors "github.com/capsync/capsync/internal/errors"
	"github.com/capsync/capsync/pkg/types"
)

// Handlers receives inbound traffic and state transitions for one instance's
// sync channel. All callbacks are invoked from the channel's read goroutine
// without holding manager locks; nil callbacks are skipped.
type Handlers struct {
	// OnRemoteChanges delivers a server-pushed change set. version is the
	// database version after applying it.
	OnRemoteChanges func(cs *types.ChangeSet, version int64)

	// OnAck confirms local changes up to version. pending is the
	// server-confirmed count of outstanding local changes and is
	// authoritative.
	OnAck func(version int64, pending int)

	// OnLock delivers a server-pushed lock transition.
	OnLock func(state types.LockState, holder string)

	// OnSessionTransferred signals that another tab took over the session.
	// Not an error: the instance stays open read-only.
	OnSessionTransferred func(newTabID string)

	// OnError surfaces channel-level failures, including reconnect
	// exhaustion.
	OnError func(err error)

	// OnStatusChange observes every sync status transition.
	OnStatusChange func(status types.SyncStatus)
}

// Manager runs the sync channel for one instance: it sends local change
// sets, queues them while disconnected, reconnects with exponential
// backoff, and dispatches inbound frames. Local changes are never dropped;
// a queued change set stays queued until the server acknowledges it.
type Manager struct {
	transport Transport
	cfg       config.SyncConfig
	handlers  Handlers

	mu     sync.Mutex
	conn   Conn
	status types.SyncStatus
	queue  []*types.Envelope
	gen    int
	closed bool

	// writeMu serializes WriteEnvelope calls: a backlog replay after
	// reconnect and a concurrent SendChanges must never write at once.
	writeMu sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a sync manager. Call Connect to establish the channel.
func NewManager(transport Transport, cfg config.SyncConfig, handlers Handlers) *Manager {
	return &Manager{
		transport: transport,
		cfg:       cfg,
		handlers:  handlers,
		status:    types.SyncStatus{ConnectionState: types.ConnDisconnected},
		stop:      make(chan struct{}),
	}
}

// Connect establishes the channel, retrying with exponential backoff up to
// the configured attempt ceiling. On success any queued change sets are
// flushed. Exhaustion returns a retryable sync error; the instance stays
// usable and a later Connect may succeed.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, types.ConnConnecting)
}

func (m *Manager) connect(ctx context.Context, initial types.ConnectionState) error {
	m.setConnState(initial)

	backoff := m.cfg.ReconnectBackoff
	var lastErr error

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		if m.isClosed() {
			return capsyncerrors.NewSyncError(capsyncerrors.CodeConnectFailed, "channel closed", nil)
		}

		conn, err := m.transport.Dial(ctx, m.cfg.URL, m.cfg.AuthToken)
		if err == nil {
			m.attach(conn)
			return nil
		}
		lastErr = err

		if attempt < m.cfg.MaxReconnectAttempts {
			m.setConnState(types.ConnReconnecting)
			select {
			case <-time.After(backoff):
			case <-m.stop:
				m.setConnState(types.ConnDisconnected)
				return capsyncerrors.NewSyncError(capsyncerrors.CodeConnectFailed, "channel closed", nil)
			case <-ctx.Done():
				m.setConnState(types.ConnDisconnected)
				return ctx.Err()
			}
			backoff *= 2
			if backoff > m.cfg.MaxReconnectBackoff {
				backoff = m.cfg.MaxReconnectBackoff
			}
		}
	}

	m.setConnState(types.ConnDisconnected)
	return capsyncerrors.NewSyncError(capsyncerrors.CodeConnectFailed,
		"sync channel unavailable after retries", lastErr)
}

// attach installs a live connection, replays the outstanding queue, and
// starts the read loop.
func (m *Manager) attach(conn Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.status.Connected = true
	m.status.ConnectionState = types.ConnConnected
	backlog := make([]*types.Envelope, len(m.queue))
	copy(backlog, m.queue)
	status := m.status
	m.mu.Unlock()

	m.notifyStatus(status)

	m.writeMu.Lock()
	for _, env := range backlog {
		if err := conn.WriteEnvelope(env); err != nil {
			log.Printf("sync: backlog replay failed: %v", err)
			break
		}
	}
	m.writeMu.Unlock()

	m.wg.Add(1)
	go m.readLoop(conn, gen)
}

// readLoop consumes inbound frames until the connection fails, then
// reconnects. A stale loop (superseded by a newer connection) exits quietly.
func (m *Manager) readLoop(conn Conn, gen int) {
	defer m.wg.Done()

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			m.mu.Lock()
			stale := m.closed || gen != m.gen
			if !stale {
				m.conn = nil
				m.status.Connected = false
				m.status.ConnectionState = types.ConnReconnecting
			}
			status := m.status
			m.mu.Unlock()

			if stale {
				return
			}
			m.notifyStatus(status)

			if err := m.connect(context.Background(), types.ConnReconnecting); err != nil {
				if m.handlers.OnError != nil && !m.isClosed() {
					m.handlers.OnError(err)
				}
			}
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env *types.Envelope) {
	switch env.Type {
	case types.MsgChanges:
		cs, err := types.DecodeChangeSet(env.Changes)
		if err != nil {
			if m.handlers.OnError != nil {
				m.handlers.OnError(capsyncerrors.NewSyncError(capsyncerrors.CodeProtocol,
					"malformed change set frame", err))
			}
			return
		}
		m.markSynced()
		if m.handlers.OnRemoteChanges != nil {
			m.handlers.OnRemoteChanges(cs, env.Version)
		}

	case types.MsgAck:
		m.handleAck(env.Version, env.Pending)
		if m.handlers.OnAck != nil {
			m.handlers.OnAck(env.Version, env.Pending)
		}

	case types.MsgLock:
		if m.handlers.OnLock != nil {
			m.handlers.OnLock(types.LockState(env.State), env.Holder)
		}

	case types.MsgSessionTransferred:
		if m.handlers.OnSessionTransferred != nil {
			m.handlers.OnSessionTransferred(env.NewTabID)
		}

	case types.MsgError:
		if m.handlers.OnError != nil {
			m.handlers.OnError(capsyncerrors.NewSyncError(capsyncerrors.CodeProtocol,
				"server reported: "+env.Detail, nil))
		}

	default:
		log.Printf("sync: ignoring unknown frame type %q", env.Type)
	}
}

// handleAck drops acknowledged queue entries. The server's pending count
// wins over the local queue length.
func (m *Manager) handleAck(version int64, pending int) {
	m.mu.Lock()
	kept := m.queue[:0]
	for _, env := range m.queue {
		if env.Version > version {
			kept = append(kept, env)
		}
	}
	m.queue = kept
	m.status.PendingChanges = pending
	m.status.Syncing = pending > 0
	now := time.Now()
	m.status.LastSyncTime = &now
	status := m.status
	m.mu.Unlock()

	m.notifyStatus(status)
}

// markSynced records inbound traffic as sync activity. Syncing stays true
// only while local change sets are still awaiting acknowledgement.
func (m *Manager) markSynced() {
	m.mu.Lock()
	now := time.Now()
	m.status.LastSyncTime = &now
	m.status.Syncing = len(m.queue) > 0
	status := m.status
	m.mu.Unlock()

	m.notifyStatus(status)
}

// SendChanges queues a change set and transmits it if the channel is up.
// While disconnected the change set is held and replayed on reconnect; the
// pending count reflects queued-but-unacknowledged change sets either way.
func (m *Manager) SendChanges(cs *types.ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	encoded, err := types.EncodeChangeSet(cs)
	if err != nil {
		return capsyncerrors.NewSyncError(capsyncerrors.CodeProtocol, "encode change set", err)
	}
	env := &types.Envelope{
		Type:        types.MsgChanges,
		Changes:     encoded,
		BaseVersion: cs.BaseVersion,
		Version:     cs.Version,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return capsyncerrors.NewSyncError(capsyncerrors.CodeConnectFailed, "channel closed", nil)
	}
	m.queue = append(m.queue, env)
	m.status.PendingChanges = len(m.queue)
	m.status.Syncing = true
	conn := m.conn
	status := m.status
	m.mu.Unlock()

	m.notifyStatus(status)

	if conn != nil {
		m.writeMu.Lock()
		err := conn.WriteEnvelope(env)
		m.writeMu.Unlock()
		if err != nil {
			// Stays queued; the read loop notices the dead connection and
			// replays the backlog after reconnect.
			log.Printf("sync: send failed, queued for replay: %v", err)
		}
	}
	return nil
}

// Status returns the current sync status.
func (m *Manager) Status() types.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Pending returns the count of queued-but-unacknowledged change sets.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.PendingChanges
}

// Close tears down the channel. Queued change sets are discarded; callers
// that need durability drain the queue before closing.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	conn := m.conn
	m.conn = nil
	m.status.Connected = false
	m.status.Syncing = false
	m.status.ConnectionState = types.ConnDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) setConnState(state types.ConnectionState) {
	m.mu.Lock()
	m.status.ConnectionState = state
	m.status.Connected = state == types.ConnConnected
	status := m.status
	m.mu.Unlock()

	m.notifyStatus(status)
}

func (m *Manager) notifyStatus(status types.SyncStatus) {
	if m.handlers.OnStatusChange != nil {
		m.handlers.OnStatusChange(status)
	}
}
