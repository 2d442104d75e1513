// Package sync owns the persistent duplex channel between a replica
// instance and the server of record: it sends local change sets, receives
// remote change sets, acknowledgements, and lock transitions, and tracks
// connection-state transitions across reconnects.
package sync

import (
	"context"

	"github.com/capsync/capsync/pkg/types"
)

// Conn is one established duplex message channel carrying JSON frames.
// Reads block until a frame arrives or the channel fails. Implementations
// need not be safe for concurrent writers; the Manager serializes writes.
type Conn interface {
	ReadEnvelope() (*types.Envelope, error)
	WriteEnvelope(env *types.Envelope) error
	Close() error
}

// Transport dials sync channels. The auth token is supplied once, at
// connect time.
type Transport interface {
	Dial(ctx context.Context, url, authToken string) (Conn, error)
}
