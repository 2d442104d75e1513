// Package types defines the shared value types of the capsync replica
// subsystem: instance identity, sync and lock status, change sets, and the
// sync channel message frames.
package types

import (
	"fmt"
	"time"
)

// InstanceID identifies one replicated database: a (videoId, databaseName)
// pair. It is the stable key of a live instance and is never reused while
// that instance is open.
type InstanceID struct {
	VideoID  string
	Database string
}

// String returns the canonical "videoId/databaseName" form.
func (id InstanceID) String() string {
	return fmt.Sprintf("%s/%s", id.VideoID, id.Database)
}

// ConnectionState enumerates the sync channel states.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
)

// SyncStatus reports the synchronization state of one instance.
type SyncStatus struct {
	Connected       bool
	Syncing         bool
	LastSyncTime    *time.Time
	PendingChanges  int
	ConnectionState ConnectionState
}

// LockState enumerates the distributed lock states.
type LockState string

const (
	LockReleased     LockState = "released"
	LockPending      LockState = "pending"
	LockGranted      LockState = "granted"
	LockTransferring LockState = "transferring"
)

// LockStatus reports the authoritative lock state for one instance.
// Holder is an opaque client/session id; CanEdit is true only when
// State is granted and Holder is the local client.
type LockStatus struct {
	State   LockState
	Holder  string
	CanEdit bool
}

// DownloadProgress reports byte-level progress of an image download.
// TotalBytes is -1 when the remote does not report a length.
type DownloadProgress struct {
	BytesReceived int64
	TotalBytes    int64
}

// InstanceMeta is the serializable identity of an instance. It is the only
// state persisted across process restarts: live handles are never persisted,
// and a restored instance always re-runs the full initialize path.
type InstanceMeta struct {
	VideoID       string    `json:"video_id" yaml:"video_id"`
	Database      string    `json:"database" yaml:"database"`
	Version       int64     `json:"version" yaml:"version"`
	InitializedAt time.Time `json:"initialized_at" yaml:"initialized_at"`
}
