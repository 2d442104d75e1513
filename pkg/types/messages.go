package types

// Sync channel frame types. The channel is a persistent duplex connection
// carrying JSON frames; the client sends only MsgChanges, the server sends
// every type.
const (
	MsgChanges            = "changes"
	MsgAck                = "ack"
	MsgLock               = "lock"
	MsgSessionTransferred = "session_transferred"
	MsgError              = "error"
)

// Envelope is one JSON frame on the sync channel. Fields are populated
// according to Type; Changes carries the snappy-compressed change set
// encoding (base64 under encoding/json).
type Envelope struct {
	Type string `json:"type"`

	// MsgChanges
	Changes     []byte `json:"changes,omitempty"`
	BaseVersion int64  `json:"base_version,omitempty"`
	Version     int64  `json:"version,omitempty"`

	// MsgAck: Pending is the server-confirmed count of outstanding local
	// changes and is authoritative.
	Pending int `json:"pending,omitempty"`

	// MsgLock
	State  string `json:"state,omitempty"`
	Holder string `json:"holder,omitempty"`

	// MsgSessionTransferred
	NewTabID string `json:"new_tab_id,omitempty"`

	// MsgError
	Detail string `json:"detail,omitempty"`
}
