// Package storage provides object storage abstractions for fetching and
// publishing database images.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrFetchFailed    = errors.New("fetch failed")
	ErrPutFailed      = errors.New("put failed")
)

// ProgressFunc receives byte-level progress while an object is transferred.
// totalBytes is -1 when the remote does not report a length.
type ProgressFunc func(bytesReceived, totalBytes int64)

// ObjectStorage abstracts remote object storage for database images.
// Implementations include S3 and the local filesystem for testing. A single
// Fetch is one whole-object transfer; there are no partial or resumable
// semantics, callers retry the whole transfer.
type ObjectStorage interface {
	// Fetch retrieves an object as bytes, reporting progress as data
	// arrives. onProgress may be nil.
	Fetch(ctx context.Context, objectPath string, onProgress ProgressFunc) ([]byte, error)

	// Put uploads an object. Used when publishing a replica snapshot back
	// to the server of record.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Exists checks whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// ImagePath returns the canonical object path of a database image for a
// (tenant, video, database) triple.
func ImagePath(tenantID, videoID, database string) string {
	return tenantID + "/" + videoID + "/" + database + ".db.snappy"
}
