package lock

import (
	"context"
	"log"
	"sync"

	capsyncerrors "github.com/capsync/capsync/internal/errors"
	"github.com/capsync/capsync/pkg/types"
)

// ChangeFunc is notified whenever an instance's lock status changes.
type ChangeFunc func(id types.InstanceID, status types.LockStatus)

// Manager tracks the lock state machine per instance:
// released -> pending -> granted, with server-pushed granted -> transferring
// -> released when another client takes over. Lock failures are non-fatal;
// an instance without the lock stays usable read-only.
type Manager struct {
	mu       sync.Mutex
	client   Client
	clientID string
	states   map[types.InstanceID]types.LockStatus
	onChange ChangeFunc
}

// NewManager creates a lock manager. clientID is this session's holder
// identity; onChange may be nil.
func NewManager(client Client, clientID string, onChange ChangeFunc) *Manager {
	return &Manager{
		client:   client,
		clientID: clientID,
		states:   make(map[types.InstanceID]types.LockStatus),
		onChange: onChange,
	}
}

// Acquire requests the edit lock. On denial the instance state returns to
// released and a non-fatal lock error is returned alongside the status;
// callers retry or proceed read-only.
func (m *Manager) Acquire(ctx context.Context, id types.InstanceID) (types.LockStatus, error) {
	m.transition(id, types.LockStatus{State: types.LockPending})

	state, holder, err := m.client.Acquire(ctx, id)
	if err != nil {
		status := m.transition(id, types.LockStatus{State: types.LockReleased})
		return status, err
	}

	status := m.transition(id, m.derive(state, holder))
	if !status.CanEdit {
		return status, capsyncerrors.NewLockError(capsyncerrors.CodeLockDenied,
			"lock held by "+holder, nil)
	}
	return status, nil
}

// Release releases the lock. Idempotent: releasing an already released lock
// is a no-op. Server-side failures are logged and ignored; the server's
// stale-lock TTL reclaims the lock regardless.
func (m *Manager) Release(ctx context.Context, id types.InstanceID) {
	m.mu.Lock()
	current := m.states[id]
	m.mu.Unlock()
	if current.State == types.LockReleased || current.State == "" {
		return
	}

	if err := m.client.Release(ctx, id); err != nil {
		log.Printf("lock: release of %s failed: %v", id, err)
	}
	m.transition(id, types.LockStatus{State: types.LockReleased})
}

// Check polls authoritative state without requesting a change. Used after a
// failed acquire and after reconnect.
func (m *Manager) Check(ctx context.Context, id types.InstanceID) (types.LockStatus, error) {
	state, holder, err := m.client.Check(ctx, id)
	if err != nil {
		return m.Status(id), err
	}
	return m.transition(id, m.derive(state, holder)), nil
}

// ApplyRemote reflects a server-pushed lock transition delivered over the
// sync channel. A holder observing transferring loses canEdit immediately,
// before the release completes.
func (m *Manager) ApplyRemote(id types.InstanceID, state types.LockState, holder string) types.LockStatus {
	return m.transition(id, m.derive(state, holder))
}

// RevokeLocal drops edit authority without contacting the server. Used when
// the session is transferred to another tab under the same logical holder.
func (m *Manager) RevokeLocal(id types.InstanceID) types.LockStatus {
	m.mu.Lock()
	status := m.states[id]
	status.CanEdit = false
	m.states[id] = status
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(id, status)
	}
	return status
}

// Status returns the current lock status for an instance.
func (m *Manager) Status(id types.InstanceID) types.LockStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.states[id]
	if !ok {
		return types.LockStatus{State: types.LockReleased}
	}
	return status
}

// CanEdit reports whether the local client currently holds edit authority.
func (m *Manager) CanEdit(id types.InstanceID) bool {
	return m.Status(id).CanEdit
}

// Forget drops all state for a closed instance.
func (m *Manager) Forget(id types.InstanceID) {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
}

// derive computes a LockStatus from server-reported state and holder.
// canEdit is true only for a granted lock held by this client.
func (m *Manager) derive(state types.LockState, holder string) types.LockStatus {
	return types.LockStatus{
		State:   state,
		Holder:  holder,
		CanEdit: state == types.LockGranted && holder == m.clientID,
	}
}

// transition stores a new status and notifies the change callback.
func (m *Manager) transition(id types.InstanceID, status types.LockStatus) types.LockStatus {
	m.mu.Lock()
	m.states[id] = status
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(id, status)
	}
	return status
}
