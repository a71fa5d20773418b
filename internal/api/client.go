// Package api is the client-side transport: typed wrappers over the server's
// HTTP endpoints and the websocket feed.
//
// Error mapping is the contract here. Network failures and 5xx responses
// come back as transient errors so the write queue retries them; 4xx
// responses carry the server's structured code so rejection and truncation
// are distinguishable without string matching.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/harmonic/internal/gateway"
	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/httpapi"
)

// SnapshotRow is one row of a table snapshot.
type SnapshotRow struct {
	RecordID string       `json:"record_id"`
	Row      harmonic.Row `json:"row"`
}

// Client talks to one sync server on behalf of one scope.
type Client struct {
	baseURL  string
	scopeKey string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a transport for baseURL. The scope key is attached to
// every request; the server treats it as resolved authentication output.
func NewClient(baseURL, scopeKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		scopeKey: scopeKey,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot fetches the full scoped state of one table plus the log cursor
// the snapshot is consistent with.
func (c *Client) Snapshot(ctx context.Context, table string) ([]SnapshotRow, int64, error) {
	var body struct {
		Cursor int64         `json:"cursor"`
		Rows   []SnapshotRow `json:"rows"`
	}
	err := c.getJSON(ctx, "/v1/snapshot?table="+url.QueryEscape(table), &body)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch snapshot %s: %w", table, err)
	}
	return body.Rows, body.Cursor, nil
}

// EntriesSince fetches the scoped entries after cursor. A cursor older than
// the retained log returns a CURSOR_TRUNCATED error; the caller resnapshots.
func (c *Client) EntriesSince(ctx context.Context, cursor int64) ([]harmonic.Entry, error) {
	var body struct {
		Entries []harmonic.Entry `json:"entries"`
	}
	err := c.getJSON(ctx, "/v1/entries?cursor="+strconv.FormatInt(cursor, 10), &body)
	if err != nil {
		return nil, fmt.Errorf("fetch entries since %d: %w", cursor, err)
	}
	return body.Entries, nil
}

// SubmitAction submits a write action and returns the per-item outcomes.
// Request-level refusals (unknown action, capability violation) surface as a
// VALIDATION error; transport failures as TRANSIENT.
func (c *Client) SubmitAction(ctx context.Context, action, table, clientRequestID string, items []gateway.Item) ([]gateway.Outcome, error) {
	payload := struct {
		Table           string         `json:"table"`
		ClientRequestID string         `json:"client_request_id"`
		Items           []gateway.Item `json:"items"`
	}{table, clientRequestID, items}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/actions/"+url.PathEscape(action), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.ScopeHeader, c.scopeKey)

	var body struct {
		Outcomes []gateway.Outcome `json:"outcomes"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, fmt.Errorf("submit %s: %w", action, err)
	}
	return body.Outcomes, nil
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(httpapi.ScopeHeader, c.scopeKey)
	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return harmonic.WrapTransient("request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return harmonic.WrapTransient("read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns a non-200 response into a structured error. The server's
// code wins when present; otherwise the status class decides retryability.
func decodeError(status int, data []byte) error {
	var body struct {
		Error string                 `json:"error"`
		Code  harmonic.SyncErrorCode `json:"code"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Code != "" {
		return &harmonic.SyncError{Code: body.Code, Message: body.Error}
	}

	message := strings.TrimSpace(string(data))
	if message == "" {
		message = http.StatusText(status)
	}
	if status >= 500 {
		return harmonic.NewSyncError(harmonic.ErrCodeTransient,
			fmt.Sprintf("server error (%d): %s", status, message))
	}
	return harmonic.NewSyncError(harmonic.ErrCodeValidation,
		fmt.Sprintf("request refused (%d): %s", status, message))
}
