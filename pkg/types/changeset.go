package types

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// ChangeOp is the kind of a row-level delta.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeRecord is one row-level delta. Row holds the full post-image of the
// row as a JSON object for insert/update, and is empty for delete. Version
// is the database version the delta belongs to, used for last-writer-wins
// merging on apply.
type ChangeRecord struct {
	Table   string          `json:"table"`
	PK      string          `json:"pk"`
	Op      ChangeOp        `json:"op"`
	Version int64           `json:"version"`
	Row     json.RawMessage `json:"row,omitempty"`
}

// ChangeSet is an ordered collection of row-level deltas produced between
// BaseVersion (exclusive) and Version (inclusive). Applying the same
// ChangeSet twice is a no-op, and two ChangeSets with non-conflicting
// deltas converge regardless of apply order.
type ChangeSet struct {
	BaseVersion int64          `json:"base_version"`
	Version     int64          `json:"version"`
	Records     []ChangeRecord `json:"records"`
}

// Empty reports whether the change set carries no deltas.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || len(cs.Records) == 0
}

// EncodeChangeSet serializes a change set for the wire: JSON, then snappy.
func EncodeChangeSet(cs *ChangeSet) ([]byte, error) {
	raw, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("encode change set: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeChangeSet reverses EncodeChangeSet.
func DecodeChangeSet(data []byte) (*ChangeSet, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decode change set: %w", err)
	}
	var cs ChangeSet
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("decode change set: %w", err)
	}
	return &cs, nil
}
