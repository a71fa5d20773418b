// Package httpapi is the server's HTTP surface: snapshot bootstrap, cursor
// catch-up, write action submission, and the websocket feed.
//
// The scope key arrives in a request header set by whatever authentication
// layer fronts the service; this package treats it as opaque routing input
// and never derives it from the request body.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/roach88/harmonic/internal/capture"
	"github.com/roach88/harmonic/internal/changelog"
	"github.com/roach88/harmonic/internal/dispatch"
	"github.com/roach88/harmonic/internal/gateway"
	"github.com/roach88/harmonic/internal/harmonic"
)

// ScopeHeader carries the caller's resolved scope key.
const ScopeHeader = "X-Scope-Key"

type jsonResponse map[string]any

type errorResponse struct {
	Error string                 `json:"error"`
	Code  harmonic.SyncErrorCode `json:"code,omitempty"`
}

// Server wires the sync engine's server-side pieces behind HTTP handlers.
type Server struct {
	log       *changelog.Store
	registry  *gateway.Registry
	hub       *dispatch.Hub
	tables    []string
	namespace string
}

// NewServer creates the HTTP surface over a change log, action registry, and
// feed hub. The recorder supplies the tracked table set for feed routing.
func NewServer(log *changelog.Store, registry *gateway.Registry, hub *dispatch.Hub, rec *capture.Recorder, namespace string) *Server {
	if namespace == "" {
		namespace = "harmonic"
	}
	return &Server{
		log:       log,
		registry:  registry,
		hub:       hub,
		tables:    rec.Tables(),
		namespace: namespace,
	}
}

// RegisterRoutes attaches all handlers to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("/v1/entries", s.handleEntries)
	mux.HandleFunc("/v1/actions/", s.handleAction)
	mux.HandleFunc("/v1/feed", s.handleFeed)
	mux.HandleFunc("/healthz", handleHealthz)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	table := r.URL.Query().Get("table")
	if table == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "table is required", Code: harmonic.ErrCodeValidation})
		return
	}
	scopeKey := r.Header.Get(ScopeHeader)

	rows, cursor, err := s.log.Snapshot(r.Context(), table, scopeKey)
	if err != nil {
		slog.Error("snapshot failed", "table", table, "scope", scopeKey, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]jsonResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, jsonResponse{"record_id": row.RecordID, "row": row.Row})
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"table":  table,
		"cursor": cursor,
		"rows":   out,
	})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cursorValue := r.URL.Query().Get("cursor")
	cursor, err := strconv.ParseInt(cursorValue, 10, 64)
	if err != nil || cursor < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "cursor must be a non-negative integer",
			Code:  harmonic.ErrCodeValidation,
		})
		return
	}
	scopeKey := r.Header.Get(ScopeHeader)

	entries, err := s.log.EntriesSince(r.Context(), scopeKey, cursor)
	if harmonic.IsCursorTruncated(err) {
		// The client's cursor predates the retained log; it must
		// resnapshot instead of catching up.
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: err.Error(),
			Code:  harmonic.ErrCodeCursorTruncated,
		})
		return
	}
	if err != nil {
		slog.Error("catch-up failed", "scope", scopeKey, "cursor", cursor, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"entries": entries})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	name := r.URL.Path[len("/v1/actions/"):]
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "action name is required", Code: harmonic.ErrCodeValidation})
		return
	}

	var payload struct {
		Table           string         `json:"table"`
		ClientRequestID string         `json:"client_request_id"`
		Items           []gateway.Item `json:"items"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: harmonic.ErrCodeValidation})
		return
	}

	outcomes, err := s.registry.Process(r.Context(), gateway.Request{
		Action:          name,
		Table:           payload.Table,
		ClientRequestID: payload.ClientRequestID,
		Items:           payload.Items,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if harmonic.CodeOf(err) == harmonic.ErrCodeValidation {
			status = http.StatusBadRequest
		}
		if status == http.StatusInternalServerError {
			slog.Error("action failed", "action", name, "error", err)
		}
		writeJSON(w, status, errorResponse{Error: err.Error(), Code: harmonic.CodeOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"outcomes": outcomes})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	var se *harmonic.SyncError
	if errors.As(err, &se) {
		writeJSON(w, status, errorResponse{Error: se.Message, Code: se.Code})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
