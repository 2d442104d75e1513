// Package engine adapts an embedded SQLite database into the change-set
// contract the replica subsystem relies on: versioned local mutation, change
// enumeration since a version, and idempotent merge of remote change sets.
package engine

import (
	"context"

	"github.com/capsync/capsync/pkg/types"
)

// Engine is the change-set contract. Query never mutates the version; Exec
// advances it implicitly when rows change. ChangesSince is repeatable for
// the same version (used for retransmission after reconnect), and
// ApplyChanges is idempotent and order-insensitive for non-conflicting
// deltas.
type Engine interface {
	// Query runs a read-only statement.
	Query(ctx context.Context, sql string, params ...interface{}) (*types.ResultSet, error)

	// Exec runs a mutating statement and returns the affected row count.
	// Permission enforcement is the caller's responsibility, not the
	// engine's.
	Exec(ctx context.Context, sql string, params ...interface{}) (int64, error)

	// VersionInfo returns the current database version.
	VersionInfo(ctx context.Context) (int64, error)

	// ChangesSince enumerates local deltas after the given version.
	ChangesSince(ctx context.Context, version int64) (*types.ChangeSet, error)

	// ApplyChanges merges a remote change set. Re-applying an already
	// applied change set is a no-op.
	ApplyChanges(ctx context.Context, cs *types.ChangeSet) error

	// Close releases underlying resources.
	Close() error
}

// Opener constructs an Engine from a downloaded database image. It fails
// with a corrupt-image error when the bytes cannot be parsed.
type Opener interface {
	Open(ctx context.Context, id types.InstanceID, image []byte) (Engine, error)
}
