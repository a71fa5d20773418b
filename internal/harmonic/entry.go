package harmonic

import (
	"fmt"
	"time"
)

// Operation identifies the kind of mutation an entry records.
type Operation string

const (
	// OpCreate records the creation of a row.
	OpCreate Operation = "create"
	// OpUpdate records a field-level update of an existing row.
	OpUpdate Operation = "update"
	// OpDelete records the removal of a row. Delete entries carry no
	// payload beyond the record id.
	OpDelete Operation = "delete"
)

// ValidateOperation checks that op is one of create, update, delete.
func ValidateOperation(op Operation) error {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return nil
	default:
		return fmt.Errorf("invalid operation %q: must be create, update, or delete", op)
	}
}

// Row is a single table row keyed by field name.
//
// Values are restricted to what canonical JSON can represent: strings, bools,
// numbers, nil, nested maps and slices. Use MarshalCanonical for storage and
// comparison so two equal rows always serialize to identical bytes.
type Row map[string]any

// Entry is one immutable log entry recording an authoritative mutation.
//
// INVARIANTS:
//   - ID is assigned by the server change log and is globally monotonic.
//   - Entries sharing (Table, RecordID) are observed in increasing ID order.
//   - Payload is nil if and only if Op == OpDelete.
//   - ProcessedAt is set exactly once, by the dispatcher, and marks the
//     at-most-one-broadcast point.
type Entry struct {
	ID          int64      `json:"id" msgpack:"id"`
	Table       string     `json:"table" msgpack:"table"`
	RecordID    string     `json:"record_id" msgpack:"record_id"`
	Op          Operation  `json:"operation" msgpack:"operation"`
	Payload     Row        `json:"payload,omitempty" msgpack:"payload,omitempty"`
	ScopeKey    string     `json:"scope_key" msgpack:"scope_key"`
	CreatedAt   time.Time  `json:"created_at" msgpack:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" msgpack:"processed_at,omitempty"`
}

// Validate checks the structural invariants of an entry.
func (e Entry) Validate() error {
	if e.Table == "" {
		return fmt.Errorf("entry %d: table is required", e.ID)
	}
	if e.RecordID == "" {
		return fmt.Errorf("entry %d: record id is required", e.ID)
	}
	if err := ValidateOperation(e.Op); err != nil {
		return fmt.Errorf("entry %d: %w", e.ID, err)
	}
	if e.Op == OpDelete && e.Payload != nil {
		return fmt.Errorf("entry %d: delete entries must not carry a payload", e.ID)
	}
	if e.Op != OpDelete && e.Payload == nil {
		return fmt.Errorf("entry %d: %s entries require a payload", e.ID, e.Op)
	}
	return nil
}

// Frame is the wire representation of an entry on the live feed.
//
// PrevID is the id of the previous entry published on the same channel (zero
// for the first entry a channel ever carries). Consumers compare it against
// the last id they saw on that channel; a mismatch means the feed skipped an
// entry and the affected table must be resnapshotted.
type Frame struct {
	ID        int64     `json:"id" msgpack:"id"`
	PrevID    int64     `json:"prev_id" msgpack:"prev_id"`
	Channel   string    `json:"channel" msgpack:"channel"`
	Table     string    `json:"table" msgpack:"table"`
	RecordID  string    `json:"record_id" msgpack:"record_id"`
	Op        Operation `json:"operation" msgpack:"operation"`
	Payload   Row       `json:"payload,omitempty" msgpack:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}

// Entry converts a frame back into the log entry it carries.
// ScopeKey is not on the wire: the channel the frame arrived on already
// encodes it, and clients never route on scope themselves.
func (f Frame) Entry() Entry {
	return Entry{
		ID:        f.ID,
		Table:     f.Table,
		RecordID:  f.RecordID,
		Op:        f.Op,
		Payload:   f.Payload,
		CreatedAt: f.CreatedAt,
	}
}
