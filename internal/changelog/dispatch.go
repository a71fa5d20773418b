package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MarkProcessed stamps processed_at on an entry and advances the channel
// cursor, in one transaction.
//
// The UPDATE is conditional on processed_at IS NULL, so under concurrent
// dispatchers exactly one caller wins for a given entry; the rest see
// won=false and must not treat the entry as theirs. The channel cursor only
// advances for the winner, and only forward, so a late winner for an older
// entry cannot rewind it.
func (s *Store) MarkProcessed(ctx context.Context, id int64, channel string) (won bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("mark processed %d: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		UPDATE entries SET processed_at = ?
		WHERE id = ? AND processed_at IS NULL
	`, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return false, fmt.Errorf("mark processed %d: update: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed %d: rows affected: %w", id, err)
	}
	if rowsAffected == 0 {
		// Another dispatcher won; nothing to commit.
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (channel, last_id) VALUES (?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			last_id = MAX(channels.last_id, excluded.last_id)
	`, channel, id)
	if err != nil {
		return false, fmt.Errorf("mark processed %d: advance channel: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("mark processed %d: commit: %w", id, err)
	}
	return true, nil
}

// ChannelCursor returns the id of the last entry marked processed on a
// channel, or 0 if the channel has never carried one. The dispatcher reads
// it to stamp prev_id on outgoing frames.
func (s *Store) ChannelCursor(ctx context.Context, channel string) (int64, error) {
	var lastID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_id FROM channels WHERE channel = ?", channel,
	).Scan(&lastID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("channel cursor %q: %w", channel, err)
	}
	return lastID, nil
}
