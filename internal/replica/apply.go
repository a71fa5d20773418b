package replica

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/harmonic/internal/harmonic"
)

// Record is one replicated row.
type Record struct {
	RecordID string
	Row      harmonic.Row
}

// ApplySnapshot atomically replaces the local state of one table with the
// server snapshot and sets the watermark to the snapshot cursor. Rows and
// watermark move in the same transaction so a crash cannot leave a cursor
// that claims more than the rows show.
func (s *Store) ApplySnapshot(ctx context.Context, table string, records []Record, cursor int64) error {
	if err := s.checkTable(table); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rows WHERE table_name = ?`, table); err != nil {
		return fmt.Errorf("apply snapshot: clear %s: %w", table, err)
	}
	for _, rec := range records {
		data, err := harmonic.MarshalCanonical(rec.Row)
		if err != nil {
			return fmt.Errorf("apply snapshot: encode %s/%s: %w", table, rec.RecordID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rows (table_name, record_id, row_json) VALUES (?, ?, ?)`,
			table, rec.RecordID, data)
		if err != nil {
			return fmt.Errorf("apply snapshot: insert %s/%s: %w", table, rec.RecordID, err)
		}
	}

	if err := setWatermark(ctx, tx, table, cursor); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}

	slog.Debug("snapshot applied",
		"table", table,
		"rows", len(records),
		"cursor", cursor,
	)
	return nil
}

// ApplyEntry applies one log entry to the replica.
//
// INVARIANTS:
//   - An entry with id at or below the table watermark is a no-op. This is
//     what makes replay, reconnect overlap, and duplicate broadcast all safe.
//   - Row change and watermark advance commit in one transaction.
//
// Returns whether the entry changed local state.
func (s *Store) ApplyEntry(ctx context.Context, entry harmonic.Entry) (applied bool, err error) {
	if err := entry.Validate(); err != nil {
		return false, fmt.Errorf("apply entry: %w", err)
	}
	if err := s.checkTable(entry.Table); err != nil {
		return false, fmt.Errorf("apply entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("apply entry: %w", err)
	}
	defer tx.Rollback()

	watermark, err := readWatermark(ctx, tx, entry.Table)
	if err != nil {
		return false, fmt.Errorf("apply entry: %w", err)
	}
	if entry.ID <= watermark {
		slog.Debug("entry below watermark, skipping",
			"id", entry.ID,
			"table", entry.Table,
			"watermark", watermark,
		)
		return false, nil
	}

	switch entry.Op {
	case harmonic.OpCreate, harmonic.OpUpdate:
		data, err := harmonic.MarshalCanonical(entry.Payload)
		if err != nil {
			return false, fmt.Errorf("apply entry %d: %w", entry.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rows (table_name, record_id, row_json) VALUES (?, ?, ?)
			ON CONFLICT (table_name, record_id) DO UPDATE SET row_json = excluded.row_json`,
			entry.Table, entry.RecordID, data)
		if err != nil {
			return false, fmt.Errorf("apply entry %d: %w", entry.ID, err)
		}
	case harmonic.OpDelete:
		_, err = tx.ExecContext(ctx,
			`DELETE FROM rows WHERE table_name = ? AND record_id = ?`,
			entry.Table, entry.RecordID)
		if err != nil {
			return false, fmt.Errorf("apply entry %d: %w", entry.ID, err)
		}
	}

	if err := setWatermark(ctx, tx, entry.Table, entry.ID); err != nil {
		return false, fmt.Errorf("apply entry %d: %w", entry.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("apply entry %d: %w", entry.ID, err)
	}
	return true, nil
}

// Read returns every row of a table ordered by record id.
func (s *Store) Read(ctx context.Context, table string) ([]Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, row_json FROM rows
		WHERE table_name = ? ORDER BY record_id`, table)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var data string
		if err := rows.Scan(&rec.RecordID, &data); err != nil {
			return nil, fmt.Errorf("read %s: %w", table, err)
		}
		if rec.Row, err = harmonic.UnmarshalRow(data); err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", table, rec.RecordID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns one row, or ok=false if it does not exist locally.
func (s *Store) Get(ctx context.Context, table, recordID string) (harmonic.Row, bool, error) {
	if err := s.checkTable(table); err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", table, recordID, err)
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT row_json FROM rows WHERE table_name = ? AND record_id = ?`,
		table, recordID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", table, recordID, err)
	}
	row, err := harmonic.UnmarshalRow(data)
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", table, recordID, err)
	}
	return row, true, nil
}

// Watermark returns the highest applied entry id for a table, 0 if none.
func (s *Store) Watermark(ctx context.Context, table string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_id FROM watermarks WHERE table_name = ?`, table).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("watermark %s: %w", table, err)
	}
	return last, nil
}

// PutRow writes a row without touching the watermark. Used for optimistic
// local application of a queued write; the confirming log entry later lands
// through ApplyEntry as usual.
func (s *Store) PutRow(ctx context.Context, table, recordID string, row harmonic.Row) error {
	if err := s.checkTable(table); err != nil {
		return fmt.Errorf("put row: %w", err)
	}
	data, err := harmonic.MarshalCanonical(row)
	if err != nil {
		return fmt.Errorf("put row %s/%s: %w", table, recordID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rows (table_name, record_id, row_json) VALUES (?, ?, ?)
		ON CONFLICT (table_name, record_id) DO UPDATE SET row_json = excluded.row_json`,
		table, recordID, data)
	if err != nil {
		return fmt.Errorf("put row %s/%s: %w", table, recordID, err)
	}
	return nil
}

// DeleteRow removes a row without touching the watermark. The optimistic
// counterpart of PutRow for delete operations.
func (s *Store) DeleteRow(ctx context.Context, table, recordID string) error {
	if err := s.checkTable(table); err != nil {
		return fmt.Errorf("delete row: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rows WHERE table_name = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return fmt.Errorf("delete row %s/%s: %w", table, recordID, err)
	}
	return nil
}

func readWatermark(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var last int64
	err := tx.QueryRowContext(ctx,
		`SELECT last_id FROM watermarks WHERE table_name = ?`, table).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return last, nil
}

func setWatermark(ctx context.Context, tx *sql.Tx, table string, id int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO watermarks (table_name, last_id) VALUES (?, ?)
		ON CONFLICT (table_name) DO UPDATE SET last_id = excluded.last_id`,
		table, id)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}
