// Package writequeue executes local writes against the server: optimistic
// application, durable queuing while offline, ordered replay, retry with
// backoff, and rollback when the server says no.
//
// Ordering is per table: writes to one table replay in submission order, and
// a write is never submitted while an earlier write to the same table is
// still pending. Writes to different tables move independently.
package writequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/harmonic/internal/gateway"
	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/replica"
)

// Submitter sends one write action to the server. Satisfied by the api
// client; tests substitute fakes.
type Submitter interface {
	SubmitAction(ctx context.Context, action, table, clientRequestID string, items []gateway.Item) ([]gateway.Outcome, error)
}

// ActionSpec is the client's local knowledge of a server action.
type ActionSpec struct {
	Name string
	// OfflineCapable permits queuing the action while disconnected.
	// Submitting a non-capable action offline is an immediate error;
	// nothing is queued and nothing is applied optimistically.
	OfflineCapable bool
}

// Config parameterizes retry behavior.
type Config struct {
	// MaxAttempts is the transient-failure retry budget per write.
	// Default 5.
	MaxAttempts int
	// BackoffMin is the delay after the first failure. Default 250ms.
	BackoffMin time.Duration
	// BackoffMax caps the exponential backoff. Default 30s.
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Hooks observe terminal write states. They fire from queue goroutines and
// must not block.
type Hooks struct {
	// OnConfirmed fires when the server accepted the write.
	OnConfirmed func(write replica.PendingWrite, outcomes []gateway.Outcome)
	// OnRejected fires when the server refused the write. The optimistic
	// local change has already been rolled back.
	OnRejected func(write replica.PendingWrite, outcomes []gateway.Outcome, err error)
	// OnExhausted fires when the retry budget ran out without an answer
	// from the server. Rolled back like a rejection, but distinguishable:
	// the server never saw the write.
	OnExhausted func(write replica.PendingWrite)
}

// Queue is the durable client write pipeline.
type Queue struct {
	store *replica.Store
	sub   Submitter
	gen   harmonic.RequestIDGenerator
	cfg   Config
	hooks Hooks

	mu      sync.Mutex
	actions map[string]ActionSpec
	nextTry map[int64]time.Time

	connected atomic.Bool
	kick      chan struct{}
}

// New creates a queue over an opened replica. The queue starts in the
// connected state; the owner flips it from feed connectivity callbacks.
func New(store *replica.Store, sub Submitter, gen harmonic.RequestIDGenerator, cfg Config, hooks Hooks) *Queue {
	q := &Queue{
		store:   store,
		sub:     sub,
		gen:     gen,
		cfg:     cfg.withDefaults(),
		hooks:   hooks,
		actions: make(map[string]ActionSpec),
		nextTry: make(map[int64]time.Time),
		kick:    make(chan struct{}, 1),
	}
	q.connected.Store(true)
	return q
}

// RegisterAction declares a server action the queue may submit.
func (q *Queue) RegisterAction(spec ActionSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("register action: name is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.actions[spec.Name]; dup {
		return fmt.Errorf("register action %q: duplicate name", spec.Name)
	}
	q.actions[spec.Name] = spec
	return nil
}

// SetConnected updates connectivity. Reconnecting clears all retry delays
// so queued writes replay immediately.
func (q *Queue) SetConnected(connected bool) {
	was := q.connected.Swap(connected)
	if connected && !was {
		q.mu.Lock()
		q.nextTry = make(map[int64]time.Time)
		q.mu.Unlock()
		q.Kick()
	}
}

// Kick asks the run loop to scan now. Non-blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Submit applies a write locally and queues it for the server.
//
// The local row moves to its optimistic post-write state immediately; the
// pre-image is stored with the queued write for rollback. Returns the
// client request id assigned to the write.
func (q *Queue) Submit(ctx context.Context, action, table, recordID string, op harmonic.Operation, fields harmonic.Row) (string, error) {
	q.mu.Lock()
	spec, known := q.actions[action]
	q.mu.Unlock()
	if !known {
		return "", harmonic.NewSyncError(harmonic.ErrCodeValidation,
			fmt.Sprintf("unknown action %q", action))
	}
	if err := harmonic.ValidateOperation(op); err != nil {
		return "", harmonic.NewSyncError(harmonic.ErrCodeValidation, err.Error())
	}
	if !q.connected.Load() && !spec.OfflineCapable {
		return "", &harmonic.SyncError{
			Code:     harmonic.ErrCodeOfflineNotAllowed,
			Message:  fmt.Sprintf("action %q cannot be queued offline", action),
			Table:    table,
			RecordID: recordID,
		}
	}

	tableSchema, ok := q.store.Schema().Table(table)
	if !ok {
		return "", harmonic.NewSyncError(harmonic.ErrCodeValidation,
			fmt.Sprintf("table %q is not declared in the schema", table))
	}

	preimage, hadRecord, err := q.store.Get(ctx, table, recordID)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", action, err)
	}

	if err := q.applyOptimistic(ctx, tableSchema, recordID, op, fields, preimage); err != nil {
		return "", fmt.Errorf("submit %s: %w", action, err)
	}

	requestID := q.gen.Generate()
	write := replica.PendingWrite{
		RequestID: requestID,
		Action:    action,
		Table:     table,
		RecordID:  recordID,
		Op:        op,
		Fields:    fields,
		Preimage:  preimage,
		HadRecord: hadRecord,
	}
	if _, err := q.store.EnqueueWrite(ctx, write); err != nil {
		// The optimistic change stands; the feed will correct it if the
		// write truly never happens. Surfacing the queue failure matters
		// more than a perfect rewind here.
		return "", fmt.Errorf("submit %s: %w", action, err)
	}

	slog.Debug("write queued",
		"request_id", requestID,
		"action", action,
		"table", table,
		"record_id", recordID,
		"op", op,
	)
	q.Kick()
	return requestID, nil
}

// applyOptimistic moves the local row to the expected post-write state.
func (q *Queue) applyOptimistic(ctx context.Context, table replica.TableSchema, recordID string, op harmonic.Operation, fields, preimage harmonic.Row) error {
	if op == harmonic.OpDelete {
		return q.store.DeleteRow(ctx, table.Name, recordID)
	}
	return q.store.PutRow(ctx, table.Name, recordID, optimisticRow(table, recordID, fields, preimage))
}

// optimisticRow is the deterministic post-write value: the pre-image with
// the written fields laid over it and the key field stamped.
func optimisticRow(table replica.TableSchema, recordID string, fields, preimage harmonic.Row) harmonic.Row {
	row := make(harmonic.Row, len(preimage)+len(fields)+1)
	for k, v := range preimage {
		row[k] = v
	}
	for k, v := range fields {
		row[k] = v
	}
	row[table.KeyField] = recordID
	return row
}

// Run replays queued writes until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.BackoffMin)
	defer ticker.Stop()

	for {
		if err := q.dispatchEligible(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("write queue scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-q.kick:
		}
	}
}

// dispatchEligible submits the head write of every table whose turn has
// come. Heads of different tables go out concurrently; within a table
// nothing moves until the head resolves.
func (q *Queue) dispatchEligible(ctx context.Context) error {
	if !q.connected.Load() {
		return nil
	}

	writes, err := q.store.PendingWrites(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	heads := make(map[string]replica.PendingWrite)
	blocked := make(map[string]bool)
	for _, w := range writes {
		if blocked[w.Table] {
			continue
		}
		blocked[w.Table] = true
		if w.State != replica.WriteQueued {
			continue
		}
		q.mu.Lock()
		due := q.nextTry[w.Seq]
		q.mu.Unlock()
		if now.Before(due) {
			continue
		}
		heads[w.Table] = w
	}

	var wg sync.WaitGroup
	for _, w := range heads {
		wg.Add(1)
		go func(w replica.PendingWrite) {
			defer wg.Done()
			q.submitOne(ctx, w)
		}(w)
	}
	wg.Wait()
	return nil
}

// submitOne pushes one write through the server and settles its state.
func (q *Queue) submitOne(ctx context.Context, w replica.PendingWrite) {
	if err := q.store.MarkWriteInFlight(ctx, w.Seq); err != nil {
		// Lost a race with another scan; that scan owns the write.
		return
	}

	outcomes, err := q.sub.SubmitAction(ctx, w.Action, w.Table, w.RequestID, []gateway.Item{{
		ItemID:   w.RequestID,
		RecordID: w.RecordID,
		Op:       w.Op,
		Fields:   w.Fields,
	}})

	switch {
	case err == nil && allSuccessful(outcomes):
		q.confirm(ctx, w, outcomes)
	case err == nil:
		q.reject(ctx, w, outcomes, nil)
	case harmonic.IsRejection(err):
		q.reject(ctx, w, nil, err)
	default:
		q.retryLater(ctx, w, err)
	}
}

func (q *Queue) confirm(ctx context.Context, w replica.PendingWrite, outcomes []gateway.Outcome) {
	if err := q.store.CompleteWrite(ctx, w.Seq); err != nil {
		slog.Error("complete confirmed write failed", "request_id", w.RequestID, "error", err)
		return
	}
	q.absorb(ctx, w, outcomes)
	slog.Debug("write confirmed", "request_id", w.RequestID, "table", w.Table)
	if q.hooks.OnConfirmed != nil {
		q.hooks.OnConfirmed(w, outcomes)
	}
	// The next write for this table is now unblocked.
	q.Kick()
}

// absorb writes the authoritative row a confirmation carried over the
// optimistic one, picking up server-side defaults before the feed echoes the
// entry. A row the feed has already moved past the optimistic value stays.
func (q *Queue) absorb(ctx context.Context, w replica.PendingWrite, outcomes []gateway.Outcome) {
	if w.Op == harmonic.OpDelete {
		return
	}
	var data harmonic.Row
	for _, o := range outcomes {
		if o.Status == gateway.StatusSuccess && o.Data != nil {
			data = o.Data
		}
	}
	if data == nil {
		return
	}
	table, ok := q.store.Schema().Table(w.Table)
	if !ok {
		return
	}

	current, exists, err := q.store.Get(ctx, w.Table, w.RecordID)
	if err != nil {
		slog.Error("absorb confirmed row failed", "request_id", w.RequestID, "error", err)
		return
	}
	if !exists || !harmonic.RowsEqual(current, optimisticRow(table, w.RecordID, w.Fields, w.Preimage)) {
		return
	}
	if harmonic.RowsEqual(current, data) {
		return
	}
	if err := q.store.PutRow(ctx, w.Table, w.RecordID, data); err != nil {
		slog.Error("absorb confirmed row failed", "request_id", w.RequestID, "error", err)
	}
}

func (q *Queue) reject(ctx context.Context, w replica.PendingWrite, outcomes []gateway.Outcome, err error) {
	if rbErr := q.rollback(ctx, w); rbErr != nil {
		slog.Error("rollback failed", "request_id", w.RequestID, "error", rbErr)
	}
	if cErr := q.store.CompleteWrite(ctx, w.Seq); cErr != nil {
		slog.Error("complete rejected write failed", "request_id", w.RequestID, "error", cErr)
		return
	}
	slog.Warn("write rejected by server",
		"request_id", w.RequestID,
		"table", w.Table,
		"record_id", w.RecordID,
		"error", err,
	)
	if q.hooks.OnRejected != nil {
		q.hooks.OnRejected(w, outcomes, err)
	}
	q.Kick()
}

func (q *Queue) retryLater(ctx context.Context, w replica.PendingWrite, cause error) {
	if w.Attempts+1 >= q.cfg.MaxAttempts {
		if rbErr := q.rollback(ctx, w); rbErr != nil {
			slog.Error("rollback failed", "request_id", w.RequestID, "error", rbErr)
		}
		if err := q.store.CompleteWrite(ctx, w.Seq); err != nil {
			slog.Error("complete exhausted write failed", "request_id", w.RequestID, "error", err)
			return
		}
		slog.Warn("write retries exhausted",
			"request_id", w.RequestID,
			"table", w.Table,
			"attempts", w.Attempts+1,
			"error", cause,
		)
		if q.hooks.OnExhausted != nil {
			q.hooks.OnExhausted(w)
		}
		q.Kick()
		return
	}

	if err := q.store.RequeueWrite(ctx, w.Seq); err != nil {
		slog.Error("requeue failed", "request_id", w.RequestID, "error", err)
		return
	}

	delay := q.cfg.BackoffMin << uint(w.Attempts)
	if delay > q.cfg.BackoffMax {
		delay = q.cfg.BackoffMax
	}
	q.mu.Lock()
	q.nextTry[w.Seq] = time.Now().Add(delay)
	q.mu.Unlock()

	slog.Debug("write will retry",
		"request_id", w.RequestID,
		"attempt", w.Attempts+1,
		"delay", delay,
		"error", cause,
	)
}

// rollback restores the pre-image, but only if the row still holds this
// write's optimistic value. A row the feed has since overwritten is
// authoritative and stays.
func (q *Queue) rollback(ctx context.Context, w replica.PendingWrite) error {
	table, ok := q.store.Schema().Table(w.Table)
	if !ok {
		return fmt.Errorf("rollback: table %q not in schema", w.Table)
	}

	current, exists, err := q.store.Get(ctx, w.Table, w.RecordID)
	if err != nil {
		return err
	}

	if w.Op == harmonic.OpDelete {
		// Optimistic state: row absent. Restore only if still absent.
		// Absence cannot tell the optimistic delete apart from one the
		// feed confirmed for another client, so this restore can briefly
		// resurrect a row until its next feed entry or snapshot.
		if exists {
			return nil
		}
		if !w.HadRecord {
			return nil
		}
		return q.store.PutRow(ctx, w.Table, w.RecordID, w.Preimage)
	}

	if !exists {
		return nil
	}
	expected := optimisticRow(table, w.RecordID, w.Fields, w.Preimage)
	if !harmonic.RowsEqual(current, expected) {
		return nil
	}

	if !w.HadRecord {
		return q.store.DeleteRow(ctx, w.Table, w.RecordID)
	}
	return q.store.PutRow(ctx, w.Table, w.RecordID, w.Preimage)
}

func allSuccessful(outcomes []gateway.Outcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	for _, o := range outcomes {
		if o.Status != gateway.StatusSuccess {
			return false
		}
	}
	return true
}
