package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/harmonic/internal/capture"
	"github.com/roach88/harmonic/internal/changelog"
	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/scope"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *changelog.Store) {
	t.Helper()
	log, err := changelog.Open(filepath.Join(t.TempDir(), "changelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	resolver, err := scope.New(scope.Config{Strategy: scope.StrategyField, UserField: "owner"})
	require.NoError(t, err)

	rec, err := capture.NewRecorder(log, resolver, []capture.TrackedEntity{
		{Table: "tasks", KeyField: "id", SyncFields: []string{"id", "title", "done", "owner"}},
	})
	require.NoError(t, err)

	return NewRegistry(log, rec, opts...), log
}

func registerUpsertTask(t *testing.T, r *Registry, caps Capabilities, validate ValidateFunc) {
	t.Helper()
	require.NoError(t, r.Register(Action{Name: "upsert_task", Caps: caps, Validate: validate}))
}

func defaultCaps() Capabilities {
	return Capabilities{
		Tables:     []string{"tasks"},
		Operations: []harmonic.Operation{harmonic.OpCreate, harmonic.OpUpdate, harmonic.OpDelete},
		Batch:      true,
	}
}

func TestRegister_ValidatesDeclarations(t *testing.T) {
	r, _ := newTestRegistry(t)

	tests := []struct {
		name   string
		action Action
	}{
		{"missing name", Action{Caps: defaultCaps()}},
		{"no tables", Action{Name: "a", Caps: Capabilities{Operations: []harmonic.Operation{harmonic.OpCreate}}}},
		{"no operations", Action{Name: "a", Caps: Capabilities{Tables: []string{"tasks"}}}},
		{"untracked table", Action{Name: "a", Caps: Capabilities{
			Tables: []string{"invoices"}, Operations: []harmonic.Operation{harmonic.OpCreate}}}},
		{"bad operation", Action{Name: "a", Caps: Capabilities{
			Tables: []string{"tasks"}, Operations: []harmonic.Operation{"upsert"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, r.Register(tc.action))
		})
	}

	registerUpsertTask(t, r, defaultCaps(), nil)
	assert.Error(t, r.Register(Action{Name: "upsert_task", Caps: defaultCaps()}), "duplicate name")
}

func TestProcess_RequestLevelValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerUpsertTask(t, r, Capabilities{
		Tables:     []string{"tasks"},
		Operations: []harmonic.Operation{harmonic.OpCreate},
	}, nil)
	ctx := context.Background()

	item := Item{ItemID: "i1", RecordID: "t1", Op: harmonic.OpCreate, Fields: harmonic.Row{"title": "x"}}

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown action", Request{Action: "nope", Table: "tasks", ClientRequestID: "r", Items: []Item{item}}},
		{"missing request id", Request{Action: "upsert_task", Table: "tasks", Items: []Item{item}}},
		{"no items", Request{Action: "upsert_task", Table: "tasks", ClientRequestID: "r"}},
		{"table not allowed", Request{Action: "upsert_task", Table: "notes", ClientRequestID: "r", Items: []Item{item}}},
		{"batch not allowed", Request{Action: "upsert_task", Table: "tasks", ClientRequestID: "r", Items: []Item{item, item}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Process(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, harmonic.ErrCodeValidation, harmonic.CodeOf(err))
		})
	}
}

func TestProcess_AppliesAndReturnsAuthoritativeRow(t *testing.T) {
	r, log := newTestRegistry(t)
	registerUpsertTask(t, r, defaultCaps(), nil)
	ctx := context.Background()

	outcomes, err := r.Process(ctx, Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "req-1",
		Items: []Item{{
			ItemID: "i1", RecordID: "t1", Op: harmonic.OpCreate,
			Fields: harmonic.Row{"title": "write tests", "owner": "user-1"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusSuccess, outcomes[0].Status)
	assert.Equal(t, "write tests", outcomes[0].Data["title"])
	assert.Equal(t, "t1", outcomes[0].Data["id"], "key field is stamped into the row")

	entries, err := log.Unprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tasks", entries[0].Table)
	assert.Equal(t, "user-1", entries[0].ScopeKey)
}

func TestProcess_DeleteCarriesNoData(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerUpsertTask(t, r, defaultCaps(), nil)
	ctx := context.Background()

	_, err := r.Process(ctx, Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "req-1",
		Items: []Item{{ItemID: "i1", RecordID: "t1", Op: harmonic.OpCreate,
			Fields: harmonic.Row{"title": "x", "owner": "u"}}},
	})
	require.NoError(t, err)

	outcomes, err := r.Process(ctx, Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "req-2",
		Items: []Item{{ItemID: "i1", RecordID: "t1", Op: harmonic.OpDelete}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcomes[0].Status)
	assert.Nil(t, outcomes[0].Data)
}

func TestProcess_ValidatorRejectionKeepsCode(t *testing.T) {
	r, log := newTestRegistry(t)
	registerUpsertTask(t, r, defaultCaps(), func(ctx context.Context, item Item) error {
		if item.Fields["title"] == "" {
			return harmonic.NewSyncError(harmonic.ErrCodeRejected, "title must not be empty")
		}
		return nil
	})
	ctx := context.Background()

	outcomes, err := r.Process(ctx, Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "req-1",
		Items: []Item{{ItemID: "i1", RecordID: "t1", Op: harmonic.OpCreate,
			Fields: harmonic.Row{"title": "", "owner": "u"}}},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusRejected, outcomes[0].Status)
	require.NotNil(t, outcomes[0].Reason)
	assert.Equal(t, harmonic.ErrCodeRejected, outcomes[0].Reason.Code)

	entries, err := log.Unprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected items must not reach the log")
}

func TestProcess_BatchAbortsWhenPartialNotAllowed(t *testing.T) {
	r, log := newTestRegistry(t)
	registerUpsertTask(t, r, defaultCaps(), func(ctx context.Context, item Item) error {
		if item.RecordID == "bad" {
			return fmt.Errorf("record is cursed")
		}
		return nil
	})
	ctx := context.Background()

	outcomes, err := r.Process(ctx, Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "req-1",
		Items: []Item{
			{ItemID: "i1", RecordID: "good", Op: harmonic.OpCreate, Fields: harmonic.Row{"title": "a", "owner": "u"}},
			{ItemID: "i2", RecordID: "bad", Op: harmonic.OpCreate, Fields: harmonic.Row{"title": "b", "owner": "u"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusRejected, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Reason.Message, "batch aborted")
	assert.Equal(t, StatusRejected, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Reason.Message, "cursed")

	entries, err := log.Unprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "an aborted batch must mutate nothing")
}

func TestProcess_PartialBatchWhenAllowed(t *testing.T) {
	r, log := newTestRegistry(t)
	caps := defaultCaps()
	caps.AllowPartial = true
	registerUpsertTask(t, r, caps, func(ctx context.Context, item Item) error {
		if item.RecordID == "bad" {
			return fmt.Errorf("record is cursed")
		}
		return nil
	})
	ctx := context.Background()

	outcomes, err := r.Process(ctx, Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "req-1",
		Items: []Item{
			{ItemID: "i1", RecordID: "good", Op: harmonic.OpCreate, Fields: harmonic.Row{"title": "a", "owner": "u"}},
			{ItemID: "i2", RecordID: "bad", Op: harmonic.OpCreate, Fields: harmonic.Row{"title": "b", "owner": "u"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcomes[0].Status)
	assert.Equal(t, StatusRejected, outcomes[1].Status)

	entries, err := log.Unprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the valid item is applied")
}

func TestProcess_RepeatRequestReturnsCachedOutcome(t *testing.T) {
	r, log := newTestRegistry(t)
	registerUpsertTask(t, r, defaultCaps(), nil)
	ctx := context.Background()

	req := Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "req-1",
		Items: []Item{{ItemID: "i1", RecordID: "t1", Op: harmonic.OpCreate,
			Fields: harmonic.Row{"title": "once", "owner": "u"}}},
	}

	first, err := r.Process(ctx, req)
	require.NoError(t, err)
	second, err := r.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	maxID, err := log.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), maxID, "the mutation must execute exactly once")
}

func TestProcess_ConcurrentDuplicatesConverge(t *testing.T) {
	r, log := newTestRegistry(t)
	registerUpsertTask(t, r, defaultCaps(), nil)
	ctx := context.Background()

	req := Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "abc",
		Items: []Item{{ItemID: "i1", RecordID: "t1", Op: harmonic.OpCreate,
			Fields: harmonic.Row{"title": "once", "owner": "u"}}},
	}

	const callers = 4
	var wg sync.WaitGroup
	results := make([][]Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes, err := r.Process(ctx, req)
			if err != nil {
				t.Errorf("Process() failed: %v", err)
				return
			}
			results[i] = outcomes
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i], "every caller sees the same outcome")
	}

	maxID, err := log.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), maxID, "exactly one mutation occurs")
}

func TestProcess_AfterCommitHookFiresOnMutation(t *testing.T) {
	var kicks int
	r, _ := newTestRegistry(t, WithAfterCommit(func() { kicks++ }))
	registerUpsertTask(t, r, defaultCaps(), func(ctx context.Context, item Item) error {
		if item.RecordID == "bad" {
			return fmt.Errorf("no")
		}
		return nil
	})
	ctx := context.Background()

	_, err := r.Process(ctx, Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "r1",
		Items: []Item{{ItemID: "i1", RecordID: "t1", Op: harmonic.OpCreate,
			Fields: harmonic.Row{"title": "a", "owner": "u"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, kicks)

	_, err = r.Process(ctx, Request{
		Action: "upsert_task", Table: "tasks", ClientRequestID: "r2",
		Items: []Item{{ItemID: "i1", RecordID: "bad", Op: harmonic.OpCreate,
			Fields: harmonic.Row{"title": "a", "owner": "u"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, kicks, "a request that mutates nothing must not kick")
}
