// Package gateway exposes validated write actions that atomically apply a
// batch of create/update/delete operations and report per-item outcomes.
//
// Actions are an explicit registry: each maps a name to a statically typed
// validator plus a declared capability set (tables, operations, batch and
// offline behavior), checked at registration time. There is no reflective
// discovery and no hidden configuration.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/harmonic/internal/capture"
	"github.com/roach88/harmonic/internal/changelog"
	"github.com/roach88/harmonic/internal/harmonic"
)

// Capabilities declares what an action may do. Violations are rejected
// before validation ever runs.
type Capabilities struct {
	// Tables the action may mutate.
	Tables []string
	// Operations the action may perform.
	Operations []harmonic.Operation
	// Batch permits multi-item requests.
	Batch bool
	// AllowPartial lets some items succeed while others are rejected.
	// When false the request is all-or-one-fails: a single invalid item
	// aborts the whole batch before any mutation.
	AllowPartial bool
	// OfflineCapable marks the action safe to queue client-side while
	// disconnected. Offline submission of a non-capable action is
	// rejected by the client, never queued.
	OfflineCapable bool
}

func (c Capabilities) allowsTable(table string) bool {
	for _, t := range c.Tables {
		if t == table {
			return true
		}
	}
	return false
}

func (c Capabilities) allowsOp(op harmonic.Operation) bool {
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// ValidateFunc checks one item against action-specific rules. Returning a
// *harmonic.SyncError keeps its code (VALIDATION, REJECTED); any other error
// is treated as a validation failure.
type ValidateFunc func(ctx context.Context, item Item) error

// Action binds a name to its capability set and validator.
type Action struct {
	Name     string
	Caps     Capabilities
	Validate ValidateFunc // nil means every well-formed item passes
}

// Item is one operation within a write request.
type Item struct {
	ItemID   string             `json:"item_id"`
	RecordID string             `json:"record_id"`
	Op       harmonic.Operation `json:"operation"`
	Fields   harmonic.Row       `json:"fields,omitempty"`
}

// Request is a write action submission. ClientRequestID is the idempotency
// key: repeated submissions with the same id execute the mutation once and
// return the cached outcome thereafter.
type Request struct {
	Action          string `json:"action"`
	Table           string `json:"table"`
	ClientRequestID string `json:"client_request_id"`
	Items           []Item `json:"items"`
}

// Status is the per-item disposition.
type Status string

const (
	// StatusSuccess marks an applied item; Data carries the authoritative row.
	StatusSuccess Status = "success"
	// StatusRejected marks a refused item; Reason carries the structured cause.
	StatusRejected Status = "rejected"
)

// Rejection is the structured reason an item was refused.
type Rejection struct {
	Code    harmonic.SyncErrorCode `json:"code"`
	Message string                 `json:"message"`
}

// Outcome is the per-item result of a write action.
type Outcome struct {
	ItemID string       `json:"item_id"`
	Status Status       `json:"status"`
	Data   harmonic.Row `json:"data,omitempty"`
	Reason *Rejection   `json:"reason,omitempty"`
}

// claimRetryInterval is how often a concurrent duplicate polls for the
// winner's outcome.
const claimRetryInterval = 20 * time.Millisecond

// Registry maps action names to handlers and processes requests.
type Registry struct {
	log *changelog.Store
	rec *capture.Recorder

	mu      sync.RWMutex
	actions map[string]Action

	// afterCommit runs once per request that applied at least one
	// mutation. Wired to the dispatcher's Kick so broadcasts follow
	// writes without waiting for the scan tick.
	afterCommit func()
}

// Option configures a Registry.
type Option func(*Registry)

// WithAfterCommit installs a hook invoked after a request commits mutations.
func WithAfterCommit(fn func()) Option {
	return func(r *Registry) {
		r.afterCommit = fn
	}
}

// NewRegistry creates an empty action registry.
func NewRegistry(log *changelog.Store, rec *capture.Recorder, opts ...Option) *Registry {
	r := &Registry{
		log:     log,
		rec:     rec,
		actions: make(map[string]Action),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an action. Capability declarations are validated here so a
// malformed action fails at startup, not on first use.
func (r *Registry) Register(a Action) error {
	if a.Name == "" {
		return fmt.Errorf("register action: name is required")
	}
	if len(a.Caps.Tables) == 0 {
		return fmt.Errorf("register action %q: at least one table is required", a.Name)
	}
	if len(a.Caps.Operations) == 0 {
		return fmt.Errorf("register action %q: at least one operation is required", a.Name)
	}
	for _, op := range a.Caps.Operations {
		if err := harmonic.ValidateOperation(op); err != nil {
			return fmt.Errorf("register action %q: %w", a.Name, err)
		}
	}
	for _, table := range a.Caps.Tables {
		if !r.rec.Tracked(table) {
			return fmt.Errorf("register action %q: table %q is not tracked", a.Name, table)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.actions[a.Name]; dup {
		return fmt.Errorf("register action %q: duplicate name", a.Name)
	}
	r.actions[a.Name] = a
	return nil
}

// Lookup returns a registered action.
func (r *Registry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Process executes a write request and returns per-item outcomes.
//
// Outcomes are cached under ClientRequestID: exactly one submission
// executes, concurrent duplicates wait for it and return the same result,
// later duplicates read the cache. A request-level error (unknown action,
// capability violation, storage failure) returns err != nil and caches
// nothing, so a corrected retry can run.
func (r *Registry) Process(ctx context.Context, req Request) ([]Outcome, error) {
	action, ok := r.Lookup(req.Action)
	if !ok {
		return nil, harmonic.NewSyncError(harmonic.ErrCodeValidation,
			fmt.Sprintf("unknown action %q", req.Action))
	}
	if req.ClientRequestID == "" {
		return nil, harmonic.NewSyncError(harmonic.ErrCodeValidation,
			"client_request_id is required")
	}
	if len(req.Items) == 0 {
		return nil, harmonic.NewSyncError(harmonic.ErrCodeValidation,
			"at least one item is required")
	}
	if !action.Caps.allowsTable(req.Table) {
		return nil, harmonic.NewSyncError(harmonic.ErrCodeValidation,
			fmt.Sprintf("action %q may not mutate table %q", req.Action, req.Table))
	}
	if len(req.Items) > 1 && !action.Caps.Batch {
		return nil, harmonic.NewSyncError(harmonic.ErrCodeValidation,
			fmt.Sprintf("action %q does not accept batches", req.Action))
	}

	cached, claimed, err := r.claim(ctx, req)
	if err != nil {
		return nil, err
	}
	if !claimed {
		slog.Debug("returning cached outcome",
			"action", req.Action,
			"client_request_id", req.ClientRequestID,
		)
		return cached, nil
	}

	outcomes, applied, err := r.execute(ctx, action, req)
	if err != nil {
		// Nothing mutated: release the claim so a retry can execute.
		if relErr := r.log.ReleaseAction(ctx, req.ClientRequestID); relErr != nil {
			slog.Error("release claim failed",
				"client_request_id", req.ClientRequestID,
				"error", relErr,
			)
		}
		return nil, err
	}

	outcomeJSON, err := json.Marshal(outcomes)
	if err != nil {
		return nil, fmt.Errorf("marshal outcomes: %w", err)
	}
	if err := r.log.StoreActionOutcome(ctx, req.ClientRequestID, string(outcomeJSON)); err != nil {
		return nil, err
	}

	if applied > 0 && r.afterCommit != nil {
		r.afterCommit()
	}
	slog.Info("action processed",
		"action", req.Action,
		"table", req.Table,
		"client_request_id", req.ClientRequestID,
		"items", len(req.Items),
		"applied", applied,
	)
	return outcomes, nil
}

// claim acquires the idempotency slot, or waits out a concurrent duplicate.
func (r *Registry) claim(ctx context.Context, req Request) (cached []Outcome, claimed bool, err error) {
	for {
		claimed, outcomeJSON, pending, err := r.log.ClaimAction(ctx, req.ClientRequestID, req.Action)
		if err != nil {
			return nil, false, err
		}
		if claimed {
			return nil, true, nil
		}
		if !pending {
			var outcomes []Outcome
			if err := json.Unmarshal([]byte(outcomeJSON), &outcomes); err != nil {
				return nil, false, fmt.Errorf("decode cached outcome: %w", err)
			}
			return outcomes, false, nil
		}
		// The winner is still executing; wait and re-read.
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(claimRetryInterval):
		}
	}
}

// execute validates every item and applies the valid ones.
func (r *Registry) execute(ctx context.Context, action Action, req Request) (outcomes []Outcome, applied int, err error) {
	outcomes = make([]Outcome, len(req.Items))
	rejections := 0

	for i, item := range req.Items {
		if reason := r.validateItem(ctx, action, req, item); reason != nil {
			outcomes[i] = Outcome{ItemID: item.ItemID, Status: StatusRejected, Reason: reason}
			rejections++
		}
	}

	if rejections > 0 && !action.Caps.AllowPartial {
		// All-or-one-fails: mark the untouched items aborted, mutate nothing.
		for i, item := range req.Items {
			if outcomes[i].Status != "" {
				continue
			}
			outcomes[i] = Outcome{
				ItemID: item.ItemID,
				Status: StatusRejected,
				Reason: &Rejection{
					Code:    harmonic.ErrCodeRejected,
					Message: "batch aborted: another item was rejected",
				},
			}
		}
		return outcomes, 0, nil
	}

	for i, item := range req.Items {
		if outcomes[i].Status == StatusRejected {
			continue
		}
		outcome, err := r.applyItem(ctx, req, item)
		if err != nil {
			return nil, 0, err
		}
		outcomes[i] = outcome
		applied++
	}
	return outcomes, applied, nil
}

func (r *Registry) validateItem(ctx context.Context, action Action, req Request, item Item) *Rejection {
	if item.ItemID == "" || item.RecordID == "" {
		return &Rejection{Code: harmonic.ErrCodeValidation, Message: "item_id and record_id are required"}
	}
	if !action.Caps.allowsOp(item.Op) {
		return &Rejection{
			Code:    harmonic.ErrCodeValidation,
			Message: fmt.Sprintf("action %q may not %s", action.Name, item.Op),
		}
	}
	if item.Op != harmonic.OpDelete && item.Fields == nil {
		return &Rejection{Code: harmonic.ErrCodeValidation, Message: "fields are required for create and update"}
	}
	if action.Validate != nil {
		if err := action.Validate(ctx, item); err != nil {
			code := harmonic.CodeOf(err)
			if code == "" {
				code = harmonic.ErrCodeValidation
			}
			return &Rejection{Code: code, Message: err.Error()}
		}
	}
	return nil
}

func (r *Registry) applyItem(ctx context.Context, req Request, item Item) (Outcome, error) {
	entity, ok := r.rec.Entity(req.Table)
	if !ok {
		return Outcome{}, fmt.Errorf("apply item %q: table %q is not tracked", item.ItemID, req.Table)
	}

	var row harmonic.Row
	if item.Op == harmonic.OpDelete {
		// Deletes carry no fields; the pre-deletion row drives scope
		// resolution so the removal reaches the same channel the
		// record lived on.
		existing, _, err := r.log.GetRecord(ctx, req.Table, item.RecordID)
		if err != nil {
			return Outcome{}, fmt.Errorf("apply item %q: %w", item.ItemID, err)
		}
		row = existing
	} else {
		row = make(harmonic.Row, len(item.Fields)+1)
		for k, v := range item.Fields {
			row[k] = v
		}
	}
	if row == nil {
		row = harmonic.Row{}
	}
	row[entity.KeyField] = item.RecordID

	// The mutation key ties the log entry to this request+item, so a
	// replayed request cannot double-append even if the outcome cache
	// were lost.
	_, err := r.rec.Record(ctx, capture.Mutation{
		Table:      req.Table,
		RecordID:   item.RecordID,
		Op:         item.Op,
		Row:        row,
		MutationID: req.ClientRequestID + "/" + item.ItemID,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("apply item %q: %w", item.ItemID, err)
	}

	outcome := Outcome{ItemID: item.ItemID, Status: StatusSuccess}
	if item.Op != harmonic.OpDelete {
		// Return the authoritative row so the client can absorb
		// server-side defaults over its optimistic value.
		authoritative, ok, err := r.log.GetRecord(ctx, req.Table, item.RecordID)
		if err != nil {
			return Outcome{}, fmt.Errorf("apply item %q: %w", item.ItemID, err)
		}
		if ok {
			outcome.Data = authoritative
		}
	}
	return outcome, nil
}
