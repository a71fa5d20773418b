package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/httpapi"
)

const feedReadTimeout = 90 * time.Second

// FeedConn is one live websocket feed session.
type FeedConn struct {
	conn *websocket.Conn
}

// DialFeed opens the websocket feed for the client's scope. The returned
// connection delivers frames until the server closes it or Close is called;
// either way the caller reconnects and catches up by cursor.
func (c *Client) DialFeed(ctx context.Context) (*FeedConn, error) {
	wsURL := c.baseURL + "/v1/feed"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	header := http.Header{}
	header.Set(httpapi.ScopeHeader, c.scopeKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, harmonic.WrapTransient("dial feed", err)
	}

	conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	return &FeedConn{conn: conn}, nil
}

// Next blocks for the next feed frame. Any error, including a server-side
// close, is transient: the session is over and a new dial is required.
func (f *FeedConn) Next() (harmonic.Frame, error) {
	for {
		f.conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		kind, data, err := f.conn.ReadMessage()
		if err != nil {
			return harmonic.Frame{}, harmonic.WrapTransient("read feed", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		frame, err := harmonic.DecodeFrame(data)
		if err != nil {
			return harmonic.Frame{}, harmonic.WrapTransient("decode feed frame", err)
		}
		return frame, nil
	}
}

// Close tears the session down.
func (f *FeedConn) Close() error {
	return f.conn.Close()
}
