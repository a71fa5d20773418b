package changelog

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/harmonic/internal/harmonic"
)

// Change describes one committed mutation to record in the log.
type Change struct {
	Table    string
	RecordID string
	Op       harmonic.Operation
	// Payload is the syncable field set, already filtered by change
	// capture. Nil for deletes.
	Payload harmonic.Row
	// ScopeKey routes the entry to subscribers. "" is the default scope.
	ScopeKey string
	// MutationKey identifies the physical mutation. Retrying the same
	// mutation with the same key appends nothing.
	MutationKey string
}

// Append records a mutation: it inserts the log entry and folds the change
// into the current-state records table in one transaction, so a crash can
// never leave the log and the collapsed state disagreeing.
//
// Idempotent on MutationKey via the unique index - a duplicate returns the
// previously assigned entry id with inserted=false and leaves state alone.
// The entry is durable before any broadcast attempt; losing a broadcast only
// means the dispatcher finds the entry unprocessed on its next scan.
func (s *Store) Append(ctx context.Context, ch Change) (id int64, inserted bool, err error) {
	if ch.Table == "" || ch.RecordID == "" {
		return 0, false, fmt.Errorf("append change: table and record id are required")
	}
	if err := harmonic.ValidateOperation(ch.Op); err != nil {
		return 0, false, fmt.Errorf("append change: %w", err)
	}
	if ch.MutationKey == "" {
		return 0, false, fmt.Errorf("append change: mutation key is required")
	}

	payloadJSON, err := harmonic.MarshalCanonical(ch.Payload)
	if err != nil {
		return 0, false, fmt.Errorf("append change: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("append change: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO entries (table_name, record_id, op, payload, scope_key, mutation_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mutation_key) DO NOTHING
	`,
		ch.Table,
		ch.RecordID,
		string(ch.Op),
		nullableText(payloadJSON),
		ch.ScopeKey,
		ch.MutationKey,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, false, fmt.Errorf("append change: insert entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("append change: rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Duplicate physical mutation - state was already folded in when
		// the first attempt committed. Return the existing id.
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM entries WHERE mutation_key = ?", ch.MutationKey,
		).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("append change: select existing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("append change: commit: %w", err)
		}
		return id, false, nil
	}

	id, err = result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("append change: last insert id: %w", err)
	}

	switch ch.Op {
	case harmonic.OpCreate, harmonic.OpUpdate:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (table_name, record_id, scope_key, row_json)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(table_name, record_id) DO UPDATE SET
				scope_key = excluded.scope_key,
				row_json = excluded.row_json
		`, ch.Table, ch.RecordID, ch.ScopeKey, payloadJSON)
	case harmonic.OpDelete:
		_, err = tx.ExecContext(ctx,
			"DELETE FROM records WHERE table_name = ? AND record_id = ?",
			ch.Table, ch.RecordID)
	}
	if err != nil {
		return 0, false, fmt.Errorf("append change: fold state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("append change: commit: %w", err)
	}
	return id, true, nil
}

// nullableText maps the canonical "null" encoding to SQL NULL so delete
// entries store NULL payloads, matching the data model.
func nullableText(text string) any {
	if text == "null" {
		return nil
	}
	return text
}
