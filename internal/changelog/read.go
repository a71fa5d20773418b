package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/harmonic/internal/harmonic"
)

// SnapshotRow is one current-state row returned by Snapshot.
type SnapshotRow struct {
	RecordID string       `json:"record_id"`
	Row      harmonic.Row `json:"row"`
}

// Snapshot returns the current filtered row set for a table within a scope,
// plus a cursor marking the highest log entry id the snapshot reflects.
//
// The cursor is read inside the same transaction as the rows, so "snapshot
// then live entries with id > cursor" converges to the same state as a full
// history replay. No ordering across rows is guaranteed - a snapshot is a
// point in time, not a stream.
func (s *Store) Snapshot(ctx context.Context, table, scopeKey string) ([]SnapshotRow, int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot %s: begin tx: %w", table, err)
	}
	defer tx.Rollback()

	var cursor int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM entries",
	).Scan(&cursor); err != nil {
		return nil, 0, fmt.Errorf("snapshot %s: read cursor: %w", table, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT record_id, row_json
		FROM records
		WHERE table_name = ? AND scope_key = ?
	`, table, scopeKey)
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot %s: query records: %w", table, err)
	}
	defer rows.Close()

	snapshot := make([]SnapshotRow, 0)
	for rows.Next() {
		var sr SnapshotRow
		var rowJSON string
		if err := rows.Scan(&sr.RecordID, &rowJSON); err != nil {
			return nil, 0, fmt.Errorf("snapshot %s: scan row: %w", table, err)
		}
		sr.Row, err = harmonic.UnmarshalRow(rowJSON)
		if err != nil {
			return nil, 0, fmt.Errorf("snapshot %s: record %s: %w", table, sr.RecordID, err)
		}
		snapshot = append(snapshot, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("snapshot %s: iterate: %w", table, err)
	}

	return snapshot, cursor, nil
}

// EntriesSince returns scoped entries with id > cursor in increasing id
// order, for catch-up after a disconnect.
//
// Returns a CURSOR_TRUNCATED error when the cursor falls outside the
// retained log: either below the earliest kept entry (pruned away) or above
// the newest one (server log was reset). Both cases mean the gap cannot be
// replayed and the caller must fall back to a snapshot.
func (s *Store) EntriesSince(ctx context.Context, scopeKey string, cursor int64) ([]harmonic.Entry, error) {
	var minID, maxID int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MIN(id), 0), COALESCE(MAX(id), 0) FROM entries",
	).Scan(&minID, &maxID); err != nil {
		return nil, fmt.Errorf("entries since %d: bounds: %w", cursor, err)
	}
	if cursor > maxID {
		return nil, harmonic.NewSyncError(harmonic.ErrCodeCursorTruncated,
			fmt.Sprintf("cursor %d is beyond the newest entry %d", cursor, maxID))
	}
	// Cursor 0 gets no exemption: a client that snapshotted an empty log
	// holds watermark 0, and once pruning removed entry 1 its gap is just
	// as unreplayable as any other.
	if maxID > 0 && cursor < minID-1 {
		return nil, harmonic.NewSyncError(harmonic.ErrCodeCursorTruncated,
			fmt.Sprintf("cursor %d predates the earliest retained entry %d", cursor, minID))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, op, payload, scope_key, created_at, processed_at
		FROM entries
		WHERE id > ? AND scope_key = ?
		ORDER BY id ASC
	`, cursor, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("entries since %d: query: %w", cursor, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Unprocessed returns up to limit entries not yet broadcast, oldest first.
// The dispatcher scans this to publish new entries and to recover entries
// whose broadcast failed before mark-processed.
func (s *Store) Unprocessed(ctx context.Context, limit int) ([]harmonic.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, op, payload, scope_key, created_at, processed_at
		FROM entries
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetRecord returns the current authoritative row for a record, and whether
// it exists. Used by the gateway to return authoritative values on confirm.
func (s *Store) GetRecord(ctx context.Context, table, recordID string) (harmonic.Row, bool, error) {
	var rowJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT row_json FROM records WHERE table_name = ? AND record_id = ?",
		table, recordID,
	).Scan(&rowJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get record %s/%s: %w", table, recordID, err)
	}
	row, err := harmonic.UnmarshalRow(rowJSON)
	if err != nil {
		return nil, false, fmt.Errorf("get record %s/%s: %w", table, recordID, err)
	}
	return row, true, nil
}

// MaxID returns the highest assigned entry id, or 0 for an empty log.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var maxID int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM entries",
	).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max entry id: %w", err)
	}
	return maxID, nil
}

// Prune deletes processed entries with id <= before. Unprocessed entries are
// never pruned regardless of age - the broadcast record must survive until
// dispatch. Returns the number of entries removed.
func (s *Store) Prune(ctx context.Context, before int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE id <= ? AND processed_at IS NOT NULL", before)
	if err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune entries: rows affected: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]harmonic.Entry, error) {
	entries := make([]harmonic.Entry, 0)
	for rows.Next() {
		var (
			e           harmonic.Entry
			op          string
			payload     sql.NullString
			createdAt   string
			processedAt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Table, &e.RecordID, &op, &payload, &e.ScopeKey, &createdAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Op = harmonic.Operation(op)
		if payload.Valid {
			row, err := harmonic.UnmarshalRow(payload.String)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", e.ID, err)
			}
			e.Payload = row
		}
		ts, err := time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("entry %d: parse created_at: %w", e.ID, err)
		}
		e.CreatedAt = ts
		if processedAt.Valid {
			pts, err := time.Parse(timeFormat, processedAt.String)
			if err != nil {
				return nil, fmt.Errorf("entry %d: parse processed_at: %w", e.ID, err)
			}
			e.ProcessedAt = &pts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
