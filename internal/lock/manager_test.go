package lock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	capsyncerrors "github.com/capsync/capsync/internal/errors"
	"github.com/capsync/capsync/pkg/types"
)

// fakeLockService is an in-memory lock service speaking the HTTP contract.
type fakeLockService struct {
	mu      sync.Mutex
	holders map[string]string // "video/db" -> holder client id
}

func newFakeLockService() *fakeLockService {
	return &fakeLockService{holders: make(map[string]string)}
}

func (s *fakeLockService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/acquire", func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		json.NewDecoder(r.Body).Decode(&req)
		key := req.VideoID + "/" + req.Database

		s.mu.Lock()
		holder, held := s.holders[key]
		if !held {
			s.holders[key] = req.ClientID
			holder = req.ClientID
		}
		s.mu.Unlock()

		json.NewEncoder(w).Encode(lockResponse{State: string(types.LockGranted), Holder: holder})
	})
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		json.NewDecoder(r.Body).Decode(&req)
		key := req.VideoID + "/" + req.Database

		s.mu.Lock()
		if s.holders[key] == req.ClientID {
			delete(s.holders, key)
		}
		s.mu.Unlock()

		json.NewEncoder(w).Encode(lockResponse{State: string(types.LockReleased)})
	})
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("video_id") + "/" + r.URL.Query().Get("database")

		s.mu.Lock()
		holder, held := s.holders[key]
		s.mu.Unlock()

		state := types.LockReleased
		if held {
			state = types.LockGranted
		}
		json.NewEncoder(w).Encode(lockResponse{State: string(state), Holder: holder})
	})
	return mux
}

func newTestManager(t *testing.T, clientID string, onChange ChangeFunc) (*Manager, *fakeLockService) {
	t.Helper()
	svc := newFakeLockService()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)
	client := NewHTTPClient(srv.URL, clientID, 0)
	return NewManager(client, clientID, onChange), svc
}

var testID = types.InstanceID{VideoID: "v1", Database: "layout"}

func TestAcquireGranted(t *testing.T) {
	m, _ := newTestManager(t, "client-a", nil)

	status, err := m.Acquire(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, types.LockGranted, status.State)
	assert.Equal(t, "client-a", status.Holder)
	assert.True(t, status.CanEdit)
	assert.True(t, m.CanEdit(testID))
}

func TestAcquireDeniedIsNonFatal(t *testing.T) {
	m, svc := newTestManager(t, "client-b", nil)
	svc.mu.Lock()
	svc.holders["v1/layout"] = "client-a" // someone else holds it
	svc.mu.Unlock()

	status, err := m.Acquire(context.Background(), testID)
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeLockDenied, capsyncerrors.GetCode(err))
	assert.True(t, capsyncerrors.IsRetryable(err))
	assert.False(t, status.CanEdit)
	assert.Equal(t, "client-a", status.Holder)
}

func TestAcquireTransportFailureReleasesState(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "client-a", 0)
	m := NewManager(client, "client-a", nil)

	status, err := m.Acquire(context.Background(), testID)
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeLockRequest, capsyncerrors.GetCode(err))
	assert.Equal(t, types.LockReleased, status.State)
	assert.False(t, m.CanEdit(testID))
}

func TestReleaseIdempotent(t *testing.T) {
	m, _ := newTestManager(t, "client-a", nil)

	_, err := m.Acquire(context.Background(), testID)
	require.NoError(t, err)

	m.Release(context.Background(), testID)
	assert.Equal(t, types.LockReleased, m.Status(testID).State)

	// A second release is a no-op.
	m.Release(context.Background(), testID)
	assert.Equal(t, types.LockReleased, m.Status(testID).State)
}

func TestCheckReflectsServerState(t *testing.T) {
	m, svc := newTestManager(t, "client-b", nil)
	svc.mu.Lock()
	svc.holders["v1/layout"] = "client-a"
	svc.mu.Unlock()

	status, err := m.Check(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, types.LockGranted, status.State)
	assert.Equal(t, "client-a", status.Holder)
	assert.False(t, status.CanEdit)
}

func TestServerPushedTransferRevokesCanEdit(t *testing.T) {
	var notified []types.LockStatus
	m, _ := newTestManager(t, "client-a", func(id types.InstanceID, s types.LockStatus) {
		notified = append(notified, s)
	})

	_, err := m.Acquire(context.Background(), testID)
	require.NoError(t, err)
	require.True(t, m.CanEdit(testID))

	// Another client requested the lock: granted -> transferring.
	status := m.ApplyRemote(testID, types.LockTransferring, "client-a")
	assert.Equal(t, types.LockTransferring, status.State)
	assert.False(t, status.CanEdit)
	assert.False(t, m.CanEdit(testID))

	// Original holder's session ends: transferring -> released.
	status = m.ApplyRemote(testID, types.LockReleased, "")
	assert.Equal(t, types.LockReleased, status.State)
	require.NotEmpty(t, notified)
	assert.Equal(t, types.LockReleased, notified[len(notified)-1].State)
}

func TestRevokeLocalKeepsState(t *testing.T) {
	m, _ := newTestManager(t, "client-a", nil)

	_, err := m.Acquire(context.Background(), testID)
	require.NoError(t, err)

	status := m.RevokeLocal(testID)
	assert.Equal(t, types.LockGranted, status.State)
	assert.False(t, status.CanEdit)
}

func TestForgetDropsState(t *testing.T) {
	m, _ := newTestManager(t, "client-a", nil)

	_, err := m.Acquire(context.Background(), testID)
	require.NoError(t, err)

	m.Forget(testID)
	assert.Equal(t, types.LockReleased, m.Status(testID).State)
	assert.False(t, m.CanEdit(testID))
}
