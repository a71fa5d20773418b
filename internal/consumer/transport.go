package consumer

import (
	"context"

	"github.com/roach88/harmonic/internal/api"
	"github.com/roach88/harmonic/internal/harmonic"
)

// apiTransport adapts the HTTP client to the Transport interface.
type apiTransport struct {
	client *api.Client
}

// NewAPITransport wraps an HTTP client as a feed transport.
func NewAPITransport(client *api.Client) Transport {
	return &apiTransport{client: client}
}

func (t *apiTransport) Snapshot(ctx context.Context, table string) ([]SnapshotRow, int64, error) {
	rows, cursor, err := t.client.Snapshot(ctx, table)
	if err != nil {
		return nil, 0, err
	}
	out := make([]SnapshotRow, len(rows))
	for i, row := range rows {
		out[i] = SnapshotRow{RecordID: row.RecordID, Row: row.Row}
	}
	return out, cursor, nil
}

func (t *apiTransport) EntriesSince(ctx context.Context, cursor int64) ([]harmonic.Entry, error) {
	return t.client.EntriesSince(ctx, cursor)
}

func (t *apiTransport) DialFeed(ctx context.Context) (Feed, error) {
	conn, err := t.client.DialFeed(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
