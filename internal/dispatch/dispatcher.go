package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/harmonic/internal/changelog"
	"github.com/roach88/harmonic/internal/harmonic"
)

// Config parameterizes the dispatcher. Passed explicitly at construction;
// there is no global configuration lookup.
type Config struct {
	// Namespace prefixes every channel name. Default "harmonic".
	Namespace string
	// ScanInterval bounds how long an entry can sit unprocessed before the
	// periodic rescan picks it up. Default 500ms.
	ScanInterval time.Duration
	// BatchSize caps how many entries one scan publishes. Default 256.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "harmonic"
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	return c
}

// ChannelName combines the namespace, scope key, and table into a channel
// key. The default scope yields "<ns>::<table>".
func ChannelName(namespace, scopeKey, table string) string {
	return namespace + ":" + scopeKey + ":" + table
}

// Dispatcher publishes unprocessed log entries to their scoped channels and
// marks each processed at most once.
//
// Multiple dispatcher instances may run against the same change log: the
// conditional mark-processed in the store guarantees a single winner per
// entry. A loser may still have published a duplicate frame; the client's
// idempotent apply (watermark check) is the second line of defense.
type Dispatcher struct {
	log  *changelog.Store
	pub  Publisher
	cfg  Config
	kick chan struct{} // Signals new entries (buffered, size 1)
}

// New creates a dispatcher over the given change log and publisher.
func New(log *changelog.Store, pub Publisher, cfg Config) *Dispatcher {
	return &Dispatcher{
		log:  log,
		pub:  pub,
		cfg:  cfg.withDefaults(),
		kick: make(chan struct{}, 1),
	}
}

// Kick asks the run loop to scan immediately instead of waiting for the
// next tick. Non-blocking; a buffer of 1 coalesces bursts.
// Thread-safe: may be called from any goroutine.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run scans for unprocessed entries until the context is cancelled.
// Publish failures are not terminal: the affected entries stay unprocessed
// and the next scan retries them.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher starting",
		"namespace", d.cfg.Namespace,
		"scan_interval", d.cfg.ScanInterval,
	)

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchPending(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("dispatcher stopping: context cancelled")
				return ctx.Err()
			}
			slog.Error("dispatch scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// DispatchPending performs one scan: publish every unprocessed entry to its
// channel and mark it processed. Returns the number of entries this instance
// won the mark for.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	entries, err := d.log.Unprocessed(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dispatch pending: %w", err)
	}

	dispatched := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		if err := d.dispatchOne(ctx, entry); err != nil {
			// Entry stays unprocessed; the next scan retries it.
			slog.Warn("publish failed, will retry",
				"id", entry.ID,
				"table", entry.Table,
				"error", err,
			)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, entry harmonic.Entry) error {
	channel := ChannelName(d.cfg.Namespace, entry.ScopeKey, entry.Table)

	prevID, err := d.log.ChannelCursor(ctx, channel)
	if err != nil {
		return err
	}

	frame := harmonic.Frame{
		ID:        entry.ID,
		PrevID:    prevID,
		Channel:   channel,
		Table:     entry.Table,
		RecordID:  entry.RecordID,
		Op:        entry.Op,
		Payload:   entry.Payload,
		CreatedAt: entry.CreatedAt,
	}
	data, err := harmonic.EncodeFrame(frame)
	if err != nil {
		return err
	}

	// Publish before mark: a crash between the two re-publishes on
	// recovery, which the client watermark absorbs. The reverse order
	// could lose the broadcast entirely.
	if err := d.pub.Publish(channel, data); err != nil {
		return err
	}

	won, err := d.log.MarkProcessed(ctx, entry.ID, channel)
	if err != nil {
		return err
	}
	if !won {
		slog.Debug("entry already dispatched elsewhere, skipping",
			"id", entry.ID,
			"channel", channel,
		)
		return nil
	}

	slog.Debug("entry dispatched",
		"id", entry.ID,
		"prev_id", prevID,
		"channel", channel,
		"op", entry.Op,
	)
	return nil
}
