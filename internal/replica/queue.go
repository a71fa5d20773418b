package replica

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/harmonic/internal/harmonic"
)

// WriteState is a pending write's durable state. Terminal states (confirmed,
// rejected, exhausted) delete the row instead of being stored.
type WriteState string

const (
	// WriteQueued means the write awaits submission.
	WriteQueued WriteState = "queued"
	// WriteInFlight means a submission attempt is underway. Reset to
	// queued when the replica is reopened after a crash.
	WriteInFlight WriteState = "in_flight"
)

// PendingWrite is one durably queued local write.
type PendingWrite struct {
	Seq       int64
	RequestID string
	Action    string
	Table     string
	RecordID  string
	Op        harmonic.Operation
	Fields    harmonic.Row
	// Preimage is the row as it was before the optimistic apply. Nil with
	// HadRecord false means the record did not exist.
	Preimage  harmonic.Row
	HadRecord bool
	State     WriteState
	Attempts  int
	CreatedAt time.Time
}

// EnqueueWrite persists a write in queued state and returns its sequence
// number. Sequence numbers order replay within a table.
func (s *Store) EnqueueWrite(ctx context.Context, w PendingWrite) (int64, error) {
	if w.RequestID == "" || w.Action == "" || w.Table == "" || w.RecordID == "" {
		return 0, fmt.Errorf("enqueue write: request id, action, table and record id are required")
	}
	if err := harmonic.ValidateOperation(w.Op); err != nil {
		return 0, fmt.Errorf("enqueue write: %w", err)
	}

	fields, err := nullableRow(w.Fields)
	if err != nil {
		return 0, fmt.Errorf("enqueue write: %w", err)
	}
	var preimage sql.NullString
	if w.HadRecord {
		data, err := harmonic.MarshalCanonical(w.Preimage)
		if err != nil {
			return 0, fmt.Errorf("enqueue write: %w", err)
		}
		preimage = sql.NullString{String: data, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_writes
			(request_id, action, table_name, record_id, op, fields, preimage, had_record, state, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?)`,
		w.RequestID, w.Action, w.Table, w.RecordID, string(w.Op),
		fields, preimage, boolInt(w.HadRecord), time.Now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("enqueue write: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue write: %w", err)
	}
	return seq, nil
}

// PendingWrites returns every queued or in-flight write in sequence order.
func (s *Store) PendingWrites(ctx context.Context) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, request_id, action, table_name, record_id, op,
		       fields, preimage, had_record, state, attempts, created_at
		FROM pending_writes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("pending writes: %w", err)
	}
	defer rows.Close()

	var writes []PendingWrite
	for rows.Next() {
		var (
			w         PendingWrite
			op        string
			fields    sql.NullString
			preimage  sql.NullString
			hadRecord int
			state     string
			createdAt string
		)
		err := rows.Scan(&w.Seq, &w.RequestID, &w.Action, &w.Table, &w.RecordID, &op,
			&fields, &preimage, &hadRecord, &state, &w.Attempts, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("pending writes: %w", err)
		}
		w.Op = harmonic.Operation(op)
		w.HadRecord = hadRecord != 0
		w.State = WriteState(state)
		if fields.Valid {
			if w.Fields, err = harmonic.UnmarshalRow(fields.String); err != nil {
				return nil, fmt.Errorf("pending write %d: %w", w.Seq, err)
			}
		}
		if preimage.Valid {
			if w.Preimage, err = harmonic.UnmarshalRow(preimage.String); err != nil {
				return nil, fmt.Errorf("pending write %d: %w", w.Seq, err)
			}
		}
		if w.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("pending write %d: %w", w.Seq, err)
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// MarkWriteInFlight transitions a queued write to in-flight.
func (s *Store) MarkWriteInFlight(ctx context.Context, seq int64) error {
	return s.setWriteState(ctx, seq, WriteQueued, WriteInFlight, false)
}

// RequeueWrite returns an in-flight write to the queue after a transient
// failure and bumps its attempt count.
func (s *Store) RequeueWrite(ctx context.Context, seq int64) error {
	return s.setWriteState(ctx, seq, WriteInFlight, WriteQueued, true)
}

func (s *Store) setWriteState(ctx context.Context, seq int64, from, to WriteState, bumpAttempts bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := ""
	if bumpAttempts {
		attempts = ", attempts = attempts + 1"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_writes SET state = ?`+attempts+` WHERE seq = ? AND state = ?`,
		string(to), seq, string(from))
	if err != nil {
		return fmt.Errorf("write %d %s: %w", seq, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write %d %s: %w", seq, to, err)
	}
	if n == 0 {
		return fmt.Errorf("write %d %s: not in state %s", seq, to, from)
	}
	return nil
}

// CompleteWrite removes a write that reached a terminal state: confirmed by
// the server, rejected, or out of retries.
func (s *Store) CompleteWrite(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_writes WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("complete write %d: %w", seq, err)
	}
	return nil
}

func nullableRow(row harmonic.Row) (sql.NullString, error) {
	if row == nil {
		return sql.NullString{}, nil
	}
	data, err := harmonic.MarshalCanonical(row)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: data, Valid: true}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
