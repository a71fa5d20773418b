// Package consumer drives the client's read path: bootstrap from snapshot or
// cursor catch-up, then the live feed, with gap detection and automatic
// resnapshot when continuity is lost.
//
// Continuity has two layers. Between sessions the per-table watermark plus
// the catch-up endpoint cover whatever was missed while disconnected. Within
// a session each frame carries the id of the previous frame on its channel;
// a mismatch means the transport dropped something, and the only safe
// recovery is a fresh snapshot.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/replica"
)

// Feed is one live frame stream.
type Feed interface {
	Next() (harmonic.Frame, error)
	Close() error
}

// SnapshotRow is one row of a fetched table snapshot.
type SnapshotRow struct {
	RecordID string
	Row      harmonic.Row
}

// Transport is the server access the consumer needs. Satisfied by the api
// package in production and by fakes in tests.
type Transport interface {
	Snapshot(ctx context.Context, table string) ([]SnapshotRow, int64, error)
	EntriesSince(ctx context.Context, cursor int64) ([]harmonic.Entry, error)
	DialFeed(ctx context.Context) (Feed, error)
}

// Hooks are optional observer callbacks. All fire from the consumer's
// goroutine; implementations must not block.
type Hooks struct {
	// OnConnState reports live-feed connectivity transitions.
	OnConnState func(connected bool)
	// OnApplied fires for every entry that changed local state.
	OnApplied func(entry harmonic.Entry)
	// OnResnapshot fires when continuity was lost and a full snapshot
	// replaced local state.
	OnResnapshot func(reason string)
}

// Config parameterizes reconnect behavior.
type Config struct {
	// ReconnectMin is the initial backoff after a feed failure. Default 250ms.
	ReconnectMin time.Duration
	// ReconnectMax caps the exponential backoff. Default 30s.
	ReconnectMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 250 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Consumer keeps one replica converged with the server.
type Consumer struct {
	store *replica.Store
	tp    Transport
	cfg   Config
	hooks Hooks

	mu       sync.Mutex
	lastSeen map[string]int64 // per-channel last frame id, this session
}

// New creates a consumer over an opened replica.
func New(store *replica.Store, tp Transport, cfg Config, hooks Hooks) *Consumer {
	return &Consumer{
		store:    store,
		tp:       tp,
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		lastSeen: make(map[string]int64),
	}
}

// Bootstrap brings the replica current before the live feed starts.
//
// A rebuilt replica (fresh file or schema version change) always snapshots.
// Otherwise the consumer catches up by cursor; a truncated cursor falls back
// to a snapshot.
func (c *Consumer) Bootstrap(ctx context.Context, rebuilt bool) error {
	if rebuilt {
		return c.Resnapshot(ctx, "replica rebuilt")
	}

	cursor, err := c.catchUpCursor(ctx)
	if err != nil {
		return err
	}
	entries, err := c.tp.EntriesSince(ctx, cursor)
	if harmonic.IsCursorTruncated(err) {
		return c.Resnapshot(ctx, "catch-up cursor truncated")
	}
	if err != nil {
		return fmt.Errorf("bootstrap catch-up: %w", err)
	}

	applied := 0
	for _, entry := range entries {
		ok, err := c.applyEntry(ctx, entry)
		if err != nil {
			return fmt.Errorf("bootstrap catch-up: %w", err)
		}
		if ok {
			applied++
		}
	}
	slog.Info("catch-up complete", "cursor", cursor, "entries", len(entries), "applied", applied)
	return nil
}

// catchUpCursor is the lowest table watermark: everything after it might be
// missing from at least one table, and replay below any higher watermark is
// absorbed by the idempotent apply.
func (c *Consumer) catchUpCursor(ctx context.Context) (int64, error) {
	cursor := int64(-1)
	for _, table := range c.store.Schema().Tables {
		wm, err := c.store.Watermark(ctx, table.Name)
		if err != nil {
			return 0, fmt.Errorf("catch-up cursor: %w", err)
		}
		if cursor < 0 || wm < cursor {
			cursor = wm
		}
	}
	if cursor < 0 {
		cursor = 0
	}
	return cursor, nil
}

// Resnapshot replaces every table's local state with a fresh server
// snapshot and resets in-session channel expectations.
func (c *Consumer) Resnapshot(ctx context.Context, reason string) error {
	slog.Info("resnapshotting", "reason", reason)

	for _, table := range c.store.Schema().Tables {
		rows, cursor, err := c.tp.Snapshot(ctx, table.Name)
		if err != nil {
			return fmt.Errorf("resnapshot %s: %w", table.Name, err)
		}
		records := make([]replica.Record, len(rows))
		for i, row := range rows {
			records[i] = replica.Record{RecordID: row.RecordID, Row: row.Row}
		}
		if err := c.store.ApplySnapshot(ctx, table.Name, records, cursor); err != nil {
			return fmt.Errorf("resnapshot %s: %w", table.Name, err)
		}
	}

	c.mu.Lock()
	c.lastSeen = make(map[string]int64)
	c.mu.Unlock()

	if c.hooks.OnResnapshot != nil {
		c.hooks.OnResnapshot(reason)
	}
	return nil
}

// Run consumes the live feed until the context is cancelled, reconnecting
// with exponential backoff. A session that reached the connected state
// resets the backoff, so a long-lived client redials quickly after a drop.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.cfg.ReconnectMin
		}
		if err != nil {
			slog.Warn("feed session ended", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// runSession dials the feed, catches up whatever landed before the
// subscription took effect, then applies frames until the stream breaks.
// Returns whether the session got as far as the connected state.
func (c *Consumer) runSession(ctx context.Context) (connected bool, err error) {
	feed, err := c.tp.DialFeed(ctx)
	if err != nil {
		return false, err
	}
	defer feed.Close()

	// Next blocks inside the transport; closing the feed is the only way
	// to unpark it when the context ends on an idle connection.
	stop := context.AfterFunc(ctx, func() { feed.Close() })
	defer stop()

	// Entries between the last catch-up and this subscription would
	// otherwise be a permanent hole.
	if err := c.Bootstrap(ctx, false); err != nil {
		return false, err
	}

	c.setConnected(true)
	defer c.setConnected(false)

	for {
		frame, err := feed.Next()
		if err != nil {
			return true, err
		}
		if err := c.handleFrame(ctx, frame); err != nil {
			return true, err
		}
	}
}

// handleFrame applies one feed frame, resnapshotting on a continuity break.
func (c *Consumer) handleFrame(ctx context.Context, frame harmonic.Frame) error {
	if gap, reason := c.checkContinuity(ctx, frame); gap {
		return c.Resnapshot(ctx, reason)
	}

	if _, err := c.applyEntry(ctx, frame.Entry()); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastSeen[frame.Channel] = frame.ID
	c.mu.Unlock()
	return nil
}

// checkContinuity verifies the frame chains onto what this session has seen.
//
// For the first frame on a channel this session, the previous frame must be
// at or below the table watermark; anything newer was missed between
// catch-up and now. After that, prev must equal the last id seen on the
// channel exactly.
func (c *Consumer) checkContinuity(ctx context.Context, frame harmonic.Frame) (gap bool, reason string) {
	c.mu.Lock()
	last, seen := c.lastSeen[frame.Channel]
	c.mu.Unlock()

	if seen {
		if frame.PrevID != last {
			return true, fmt.Sprintf("gap on %s: prev %d, expected %d", frame.Channel, frame.PrevID, last)
		}
		return false, ""
	}

	wm, err := c.store.Watermark(ctx, frame.Table)
	if err != nil {
		slog.Error("watermark lookup failed, forcing resnapshot", "table", frame.Table, "error", err)
		return true, "watermark unavailable"
	}
	if frame.PrevID > wm {
		return true, fmt.Sprintf("gap on %s: prev %d past watermark %d", frame.Channel, frame.PrevID, wm)
	}
	return false, ""
}

func (c *Consumer) applyEntry(ctx context.Context, entry harmonic.Entry) (bool, error) {
	applied, err := c.store.ApplyEntry(ctx, entry)
	if err != nil {
		return false, err
	}
	if applied && c.hooks.OnApplied != nil {
		c.hooks.OnApplied(entry)
	}
	return applied, nil
}

func (c *Consumer) setConnected(connected bool) {
	if c.hooks.OnConnState != nil {
		c.hooks.OnConnState(connected)
	}
}
