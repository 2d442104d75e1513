// Package lock tracks distributed edit-lock state for replica instances.
// The server-side lock service is authoritative: this package requests and
// reflects state, it never runs local TTL or expiry logic.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	capsyncerrors "github.com/capsync/capsync/internal/errors"
	"github.com/capsync/capsync/pkg/types"
)

// Client is the wire contract of the lock service: acquire, release, and
// check, each keyed by (videoId, databaseName).
type Client interface {
	Acquire(ctx context.Context, id types.InstanceID) (types.LockState, string, error)
	Release(ctx context.Context, id types.InstanceID) error
	Check(ctx context.Context, id types.InstanceID) (types.LockState, string, error)
}

// HTTPClient implements Client over the lock service's HTTP API.
type HTTPClient struct {
	base     string
	clientID string
	http     *http.Client
}

// NewHTTPClient creates a lock service client. clientID identifies this
// session as a lock holder.
func NewHTTPClient(base, clientID string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		base:     base,
		clientID: clientID,
		http:     &http.Client{Timeout: timeout},
	}
}

// lockRequest is the body of acquire/release calls.
type lockRequest struct {
	VideoID  string `json:"video_id"`
	Database string `json:"database"`
	ClientID string `json:"client_id"`
}

// lockResponse is the service's report of authoritative lock state.
type lockResponse struct {
	State  string `json:"state"`
	Holder string `json:"holder"`
}

// Acquire requests the lock and returns the server-reported state.
func (c *HTTPClient) Acquire(ctx context.Context, id types.InstanceID) (types.LockState, string, error) {
	return c.post(ctx, "acquire", id)
}

// Release releases the lock. Releasing an unheld lock is not an error.
func (c *HTTPClient) Release(ctx context.Context, id types.InstanceID) error {
	_, _, err := c.post(ctx, "release", id)
	return err
}

// Check polls authoritative state without requesting a change.
func (c *HTTPClient) Check(ctx context.Context, id types.InstanceID) (types.LockState, string, error) {
	u := fmt.Sprintf("%s/check?video_id=%s&database=%s",
		c.base, url.QueryEscape(id.VideoID), url.QueryEscape(id.Database))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", "", capsyncerrors.NewLockError(capsyncerrors.CodeLockRequest, "build check request", err)
	}
	return c.do(req)
}

func (c *HTTPClient) post(ctx context.Context, action string, id types.InstanceID) (types.LockState, string, error) {
	body, err := json.Marshal(lockRequest{
		VideoID:  id.VideoID,
		Database: id.Database,
		ClientID: c.clientID,
	})
	if err != nil {
		return "", "", capsyncerrors.NewLockError(capsyncerrors.CodeLockRequest, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+action, bytes.NewReader(body))
	if err != nil {
		return "", "", capsyncerrors.NewLockError(capsyncerrors.CodeLockRequest, "build "+action+" request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) (types.LockState, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", capsyncerrors.NewLockError(capsyncerrors.CodeLockRequest, "lock service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", capsyncerrors.NewLockError(capsyncerrors.CodeLockRequest,
			fmt.Sprintf("lock service returned %d", resp.StatusCode), nil)
	}

	var lr lockResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", "", capsyncerrors.NewLockError(capsyncerrors.CodeLockRequest, "decode response", err)
	}
	return types.LockState(lr.State), lr.Holder, nil
}
