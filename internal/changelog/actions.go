package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimAction reserves a client_request_id for processing.
//
// Exactly one caller per id ever gets claimed=true; that caller must finish
// with StoreActionOutcome (success) or ReleaseAction (transient failure).
// Losers receive the cached outcome when one exists, or pending=true when
// the winner is still running - the gateway waits and re-reads in that case
// so concurrent duplicate submissions converge on a single outcome.
func (s *Store) ClaimAction(ctx context.Context, requestID, action string) (claimed bool, outcome string, pending bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO action_results (client_request_id, action, outcome, created_at)
		VALUES (?, ?, NULL, ?)
		ON CONFLICT(client_request_id) DO NOTHING
	`, requestID, action, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return false, "", false, fmt.Errorf("claim action %q: %w", requestID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, "", false, fmt.Errorf("claim action %q: rows affected: %w", requestID, err)
	}
	if rowsAffected > 0 {
		return true, "", false, nil
	}

	var cached sql.NullString
	err = s.db.QueryRowContext(ctx,
		"SELECT outcome FROM action_results WHERE client_request_id = ?", requestID,
	).Scan(&cached)
	if err != nil {
		return false, "", false, fmt.Errorf("claim action %q: read outcome: %w", requestID, err)
	}
	if !cached.Valid {
		return false, "", true, nil
	}
	return false, cached.String, false, nil
}

// StoreActionOutcome records the final per-item outcomes for a claimed
// request id. Set exactly once; repeated submissions read this instead of
// re-executing the action.
func (s *Store) StoreActionOutcome(ctx context.Context, requestID, outcomeJSON string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE action_results SET outcome = ? WHERE client_request_id = ?",
		outcomeJSON, requestID)
	if err != nil {
		return fmt.Errorf("store action outcome %q: %w", requestID, err)
	}
	return nil
}

// ReleaseAction drops an unfinished claim so a retry of the same request id
// can execute. Only used when processing failed before any mutation was
// applied; a completed action keeps its outcome forever.
func (s *Store) ReleaseAction(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM action_results WHERE client_request_id = ? AND outcome IS NULL",
		requestID)
	if err != nil {
		return fmt.Errorf("release action %q: %w", requestID, err)
	}
	return nil
}

// ActionOutcome returns the cached outcome for a request id, if finished.
func (s *Store) ActionOutcome(ctx context.Context, requestID string) (outcome string, done bool, err error) {
	var cached sql.NullString
	err = s.db.QueryRowContext(ctx,
		"SELECT outcome FROM action_results WHERE client_request_id = ?", requestID,
	).Scan(&cached)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("action outcome %q: %w", requestID, err)
	}
	if !cached.Valid {
		return "", false, nil
	}
	return cached.String, true, nil
}
