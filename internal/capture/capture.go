// Package capture observes committed mutations on tracked entities and turns
// them into ordered, deduplicated change log entries.
//
// Capture sits between the model layer (which owns the mutation) and the
// change log (which owns identity and ordering): the model reports what
// changed, capture filters the payload to the declared syncable fields,
// resolves the routing scope, and appends. Persisting before any broadcast
// attempt means a lost broadcast can always be recovered by rescanning
// unprocessed entries.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/harmonic/internal/changelog"
	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/scope"
)

// TrackedEntity declares which table is synced and which of its fields cross
// the wire. Fields outside SyncFields never leave the server.
type TrackedEntity struct {
	Table string
	// KeyField names the primary key field within the row.
	KeyField string
	// SyncFields is the declared syncable field set. Payloads are limited
	// to these fields; anything else is stripped before append.
	SyncFields []string
}

// Mutation is one committed model-layer change reported to capture.
type Mutation struct {
	Table    string
	RecordID string
	Op       harmonic.Operation
	// Row is the full post-mutation row (pre-deletion row for deletes,
	// used only for scope resolution).
	Row harmonic.Row
	// MutationID identifies the physical mutation for deduplication. When
	// empty a deterministic key is derived from the mutation content, so
	// an identical retried write still collapses to one entry.
	MutationID string
}

// Recorder turns mutations into log entries.
type Recorder struct {
	log      *changelog.Store
	resolver scope.Resolver
	entities map[string]TrackedEntity
}

// NewRecorder creates a recorder for the given tracked entities.
// Registration is validated eagerly: duplicate or incomplete declarations
// fail construction, not the first mutation.
func NewRecorder(log *changelog.Store, resolver scope.Resolver, entities []TrackedEntity) (*Recorder, error) {
	if resolver == nil {
		return nil, fmt.Errorf("new recorder: scope resolver is required")
	}
	byTable := make(map[string]TrackedEntity, len(entities))
	for _, e := range entities {
		if e.Table == "" || e.KeyField == "" {
			return nil, fmt.Errorf("new recorder: entity %q: table and key field are required", e.Table)
		}
		if len(e.SyncFields) == 0 {
			return nil, fmt.Errorf("new recorder: entity %q: at least one sync field is required", e.Table)
		}
		if _, dup := byTable[e.Table]; dup {
			return nil, fmt.Errorf("new recorder: duplicate entity %q", e.Table)
		}
		byTable[e.Table] = e
	}
	return &Recorder{log: log, resolver: resolver, entities: byTable}, nil
}

// Tracked reports whether mutations on table are captured.
func (r *Recorder) Tracked(table string) bool {
	_, ok := r.entities[table]
	return ok
}

// Entity returns the declaration for a tracked table.
func (r *Recorder) Entity(table string) (TrackedEntity, bool) {
	e, ok := r.entities[table]
	return e, ok
}

// Tables returns the tracked table names in sorted order.
func (r *Recorder) Tables() []string {
	tables := make([]string, 0, len(r.entities))
	for t := range r.entities {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Record appends one log entry for a committed mutation.
//
// The payload is the mutation's row limited to the entity's declared sync
// field set; deletes carry no payload. Returns the assigned entry id.
// Recording the same physical mutation twice returns the original id without
// appending.
func (r *Recorder) Record(ctx context.Context, m Mutation) (int64, error) {
	entity, ok := r.entities[m.Table]
	if !ok {
		return 0, fmt.Errorf("record mutation: table %q is not tracked", m.Table)
	}
	if m.RecordID == "" {
		return 0, fmt.Errorf("record mutation: record id is required")
	}

	var payload harmonic.Row
	if m.Op != harmonic.OpDelete {
		payload = filterFields(m.Row, entity.SyncFields, entity.KeyField)
	}

	scopeKey := r.resolver.Resolve(m.Table, m.Row)

	key := m.MutationID
	if key == "" {
		derived, err := deriveMutationKey(m, payload)
		if err != nil {
			return 0, fmt.Errorf("record mutation: %w", err)
		}
		key = derived
	}

	id, inserted, err := r.log.Append(ctx, changelog.Change{
		Table:       m.Table,
		RecordID:    m.RecordID,
		Op:          m.Op,
		Payload:     payload,
		ScopeKey:    scopeKey,
		MutationKey: key,
	})
	if err != nil {
		return 0, fmt.Errorf("record mutation: %w", err)
	}

	if inserted {
		slog.Debug("mutation captured",
			"id", id,
			"table", m.Table,
			"record_id", m.RecordID,
			"op", m.Op,
			"scope", scopeKey,
		)
	} else {
		slog.Debug("duplicate mutation ignored",
			"id", id,
			"table", m.Table,
			"record_id", m.RecordID,
			"mutation_key", key,
		)
	}
	return id, nil
}

// filterFields limits a row to the declared field set. The key field is
// always included so consumers can address the row.
func filterFields(row harmonic.Row, fields []string, keyField string) harmonic.Row {
	filtered := make(harmonic.Row, len(fields)+1)
	if v, ok := row[keyField]; ok {
		filtered[keyField] = v
	}
	for _, f := range fields {
		if v, ok := row[f]; ok {
			filtered[f] = v
		}
	}
	return filtered
}

// deriveMutationKey builds a deterministic key from the mutation content.
// Two reports of the same table/record/op/payload collapse to one entry.
func deriveMutationKey(m Mutation, payload harmonic.Row) (string, error) {
	canonical, err := harmonic.MarshalCanonical(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", m.Table, m.RecordID, m.Op, canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
