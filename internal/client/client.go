// Package client is the embedding surface for applications: one handle that
// owns the local replica, the live feed, and the write queue.
//
// Reads never touch the network. Writes apply locally first and reach the
// server through the durable queue. Everything asynchronous surfaces through
// the Callbacks; all callbacks fire from sync goroutines and must not block.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/harmonic/internal/api"
	"github.com/roach88/harmonic/internal/consumer"
	"github.com/roach88/harmonic/internal/gateway"
	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/replica"
	"github.com/roach88/harmonic/internal/writequeue"
)

// Config assembles a client.
type Config struct {
	// ServerURL is the sync server base URL.
	ServerURL string `yaml:"server_url"`
	// ScopeKey identifies the caller's data partition.
	ScopeKey string `yaml:"scope_key"`
	// DBPath is the local replica file.
	DBPath string `yaml:"db_path"`
	// Schema declares the synced tables. Bump Version on shape changes to
	// force a rebuild.
	Schema replica.Schema `yaml:"schema"`
	// Actions declares the server actions this client submits.
	Actions []writequeue.ActionSpec `yaml:"-"`

	Consumer consumer.Config   `yaml:"-"`
	Queue    writequeue.Config `yaml:"-"`
}

// Callbacks notify the application of asynchronous sync events.
type Callbacks struct {
	// OnConnState reports live-feed connectivity changes.
	OnConnState func(connected bool)
	// OnChange fires whenever a table's local state changed underneath
	// the application: a feed entry applied, a snapshot installed, or a
	// write rolled back.
	OnChange func(table string)
	// OnResnapshot fires after continuity was lost and local state was
	// rebuilt from a fresh snapshot.
	OnResnapshot func(reason string)
	// OnWriteRejected fires when the server refused a queued write. The
	// optimistic change has been rolled back.
	OnWriteRejected func(table, recordID, requestID string, cause error)
	// OnWriteExhausted fires when a queued write ran out of retries
	// without an answer from the server.
	OnWriteExhausted func(table, recordID, requestID string)
}

// Client is one application's sync handle.
type Client struct {
	cfg   Config
	cb    Callbacks
	store *replica.Store
	queue *writequeue.Queue
	cons  *consumer.Consumer

	rebuilt bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Open assembles a client over a local replica file. No network traffic
// happens until Start.
func Open(cfg Config, cb Callbacks) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("open client: server url is required")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("open client: db path is required")
	}

	store, rebuilt, err := replica.Open(cfg.DBPath, cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("open client: %w", err)
	}

	c := &Client{cfg: cfg, cb: cb, store: store, rebuilt: rebuilt}

	transport := api.NewClient(cfg.ServerURL, cfg.ScopeKey)

	c.queue = writequeue.New(store, transport, harmonic.NewULIDGenerator(), cfg.Queue, writequeue.Hooks{
		OnConfirmed: func(w replica.PendingWrite, _ []gateway.Outcome) {
			// The queue has absorbed the authoritative row by now.
			c.notifyChange(w.Table)
		},
		OnRejected: func(w replica.PendingWrite, outcomes []gateway.Outcome, err error) {
			c.notifyChange(w.Table)
			if c.cb.OnWriteRejected != nil {
				c.cb.OnWriteRejected(w.Table, w.RecordID, w.RequestID, rejectionCause(outcomes, err))
			}
		},
		OnExhausted: func(w replica.PendingWrite) {
			c.notifyChange(w.Table)
			if c.cb.OnWriteExhausted != nil {
				c.cb.OnWriteExhausted(w.Table, w.RecordID, w.RequestID)
			}
		},
	})
	for _, spec := range cfg.Actions {
		if err := c.queue.RegisterAction(spec); err != nil {
			store.Close()
			return nil, fmt.Errorf("open client: %w", err)
		}
	}

	c.cons = consumer.New(store, consumer.NewAPITransport(transport), cfg.Consumer, consumer.Hooks{
		OnConnState: func(connected bool) {
			c.queue.SetConnected(connected)
			if c.cb.OnConnState != nil {
				c.cb.OnConnState(connected)
			}
		},
		OnApplied: func(entry harmonic.Entry) {
			c.notifyChange(entry.Table)
		},
		OnResnapshot: func(reason string) {
			for _, table := range cfg.Schema.Tables {
				c.notifyChange(table.Name)
			}
			if c.cb.OnResnapshot != nil {
				c.cb.OnResnapshot(reason)
			}
		},
	})

	// Until the feed reports a session, treat the link as down so only
	// offline-capable actions queue.
	c.queue.SetConnected(false)

	return c, nil
}

// Start bootstraps local state and launches the feed and queue loops.
// It returns once the replica is current; live sync continues in the
// background until Close.
func (c *Client) Start(ctx context.Context) error {
	if err := c.cons.Bootstrap(ctx, c.rebuilt); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	if c.rebuilt {
		for _, table := range c.cfg.Schema.Tables {
			c.notifyChange(table.Name)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.cons.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("feed loop exited", "error", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		if err := c.queue.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("write queue loop exited", "error", err)
		}
	}()

	clientID, err := c.store.ClientID()
	if err != nil {
		clientID = "unknown"
	}
	slog.Info("client started",
		"client_id", clientID,
		"scope", c.cfg.ScopeKey,
		"tables", len(c.cfg.Schema.Tables),
	)
	return nil
}

// Read returns every local row of a table.
func (c *Client) Read(ctx context.Context, table string) ([]replica.Record, error) {
	return c.store.Read(ctx, table)
}

// Get returns one local row.
func (c *Client) Get(ctx context.Context, table, recordID string) (harmonic.Row, bool, error) {
	return c.store.Get(ctx, table, recordID)
}

// Submit applies a write locally and queues it for the server. The returned
// request id correlates later rejection callbacks with this call.
func (c *Client) Submit(ctx context.Context, action, table, recordID string, op harmonic.Operation, fields harmonic.Row) (string, error) {
	requestID, err := c.queue.Submit(ctx, action, table, recordID, op, fields)
	if err != nil {
		return "", err
	}
	c.notifyChange(table)
	return requestID, nil
}

// Close stops the background loops and closes the replica. Queued writes
// stay durable and replay on the next Start.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		err = c.store.Close()
	})
	return err
}

func (c *Client) notifyChange(table string) {
	if c.cb.OnChange != nil {
		c.cb.OnChange(table)
	}
}

// rejectionCause picks the most specific error for a rejected write: the
// first per-item reason if the server sent outcomes, otherwise the
// request-level error.
func rejectionCause(outcomes []gateway.Outcome, err error) error {
	for _, o := range outcomes {
		if o.Status == gateway.StatusRejected && o.Reason != nil {
			return harmonic.NewSyncError(o.Reason.Code, o.Reason.Message)
		}
	}
	if err != nil {
		return err
	}
	return harmonic.NewSyncError(harmonic.ErrCodeRejected, "write rejected")
}
