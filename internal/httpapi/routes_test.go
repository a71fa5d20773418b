package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/harmonic/internal/capture"
	"github.com/roach88/harmonic/internal/changelog"
	"github.com/roach88/harmonic/internal/dispatch"
	"github.com/roach88/harmonic/internal/gateway"
	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/scope"
)

type fixture struct {
	server *Server
	log    *changelog.Store
	hub    *dispatch.Hub
	rec    *capture.Recorder
	mux    *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := changelog.Open(filepath.Join(t.TempDir(), "changelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	resolver, err := scope.New(scope.Config{Strategy: scope.StrategyField, UserField: "owner"})
	require.NoError(t, err)

	rec, err := capture.NewRecorder(log, resolver, []capture.TrackedEntity{
		{Table: "tasks", KeyField: "id", SyncFields: []string{"id", "title", "owner"}},
	})
	require.NoError(t, err)

	registry := gateway.NewRegistry(log, rec)
	require.NoError(t, registry.Register(gateway.Action{
		Name: "upsert_task",
		Caps: gateway.Capabilities{
			Tables:     []string{"tasks"},
			Operations: []harmonic.Operation{harmonic.OpCreate, harmonic.OpUpdate, harmonic.OpDelete},
			Batch:      true,
		},
	}))

	hub := dispatch.NewHub()
	server := NewServer(log, registry, hub, rec, "ns")
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return &fixture{server: server, log: log, hub: hub, rec: rec, mux: mux}
}

func (f *fixture) record(t *testing.T, record, owner, title string) int64 {
	t.Helper()
	id, err := f.rec.Record(context.Background(), capture.Mutation{
		Table: "tasks", RecordID: record, Op: harmonic.OpCreate,
		Row: harmonic.Row{"id": record, "title": title, "owner": owner},
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) get(t *testing.T, path, scopeKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if scopeKey != "" {
		req.Header.Set(ScopeHeader, scopeKey)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), target))
}

func TestSnapshot_ScopedRows(t *testing.T) {
	f := newFixture(t)
	f.record(t, "t1", "alice", "mine")
	f.record(t, "t2", "bob", "not mine")

	w := f.get(t, "/v1/snapshot?table=tasks", "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Table  string `json:"table"`
		Cursor int64  `json:"cursor"`
		Rows   []struct {
			RecordID string       `json:"record_id"`
			Row      harmonic.Row `json:"row"`
		} `json:"rows"`
	}
	decodeBody(t, w, &body)
	assert.Equal(t, "tasks", body.Table)
	assert.Equal(t, int64(2), body.Cursor, "cursor is the global log position, not the scope's")
	require.Len(t, body.Rows, 1)
	assert.Equal(t, "t1", body.Rows[0].RecordID)
	assert.Equal(t, "mine", body.Rows[0].Row["title"])
}

func TestSnapshot_RequiresTable(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/v1/snapshot", "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEntries_CatchUpAfterCursor(t *testing.T) {
	f := newFixture(t)
	id1 := f.record(t, "t1", "alice", "a")
	id2 := f.record(t, "t2", "alice", "b")

	w := f.get(t, "/v1/entries?cursor="+itoa(id1), "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entries []harmonic.Entry `json:"entries"`
	}
	decodeBody(t, w, &body)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, id2, body.Entries[0].ID)
}

func TestEntries_TruncatedCursorConflicts(t *testing.T) {
	f := newFixture(t)
	f.record(t, "t1", "alice", "a")

	// A cursor past the head of the log is unservable.
	w := f.get(t, "/v1/entries?cursor=99", "alice")
	require.Equal(t, http.StatusConflict, w.Code)

	var body errorResponse
	decodeBody(t, w, &body)
	assert.Equal(t, harmonic.ErrCodeCursorTruncated, body.Code)
}

func TestEntries_RejectsBadCursor(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/v1/entries", "/v1/entries?cursor=-1", "/v1/entries?cursor=x"} {
		w := f.get(t, path, "alice")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestAction_SubmitAndCachedRepeat(t *testing.T) {
	f := newFixture(t)

	body := `{"table":"tasks","client_request_id":"req-1","items":[` +
		`{"item_id":"i1","record_id":"t1","operation":"create","fields":{"title":"x","owner":"alice"}}]}`

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/actions/upsert_task", strings.NewReader(body))
		w := httptest.NewRecorder()
		f.mux.ServeHTTP(w, req)
		return w
	}

	w := post()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first struct {
		Outcomes []gateway.Outcome `json:"outcomes"`
	}
	decodeBody(t, w, &first)
	require.Len(t, first.Outcomes, 1)
	assert.Equal(t, gateway.StatusSuccess, first.Outcomes[0].Status)

	w = post()
	require.Equal(t, http.StatusOK, w.Code)
	var second struct {
		Outcomes []gateway.Outcome `json:"outcomes"`
	}
	decodeBody(t, w, &second)
	assert.Equal(t, first.Outcomes, second.Outcomes)

	maxID, err := f.log.MaxID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), maxID, "the repeat must not mutate again")
}

func TestAction_UnknownActionIsBadRequest(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/actions/nope",
		strings.NewReader(`{"table":"tasks","client_request_id":"r","items":[{"item_id":"i","record_id":"x","operation":"create","fields":{}}]}`))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	decodeBody(t, w, &body)
	assert.Equal(t, harmonic.ErrCodeValidation, body.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodDelete, "/v1/snapshot?table=tasks", nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
