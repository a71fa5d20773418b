package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/harmonic/internal/dispatch"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
	// feedPongTimeout must exceed the ping interval or healthy
	// connections get reaped between pings.
	feedPongTimeout = 60 * time.Second
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleFeed upgrades to a websocket and streams feed frames for the
// caller's scope. One connection covers every tracked table: the session
// subscribes to the scope's channel for each of them.
//
// Frames are msgpack-encoded binary messages, written in publish order.
// The connection closes when the hub evicts the session as a slow consumer;
// the client treats any close as a reconnect-and-catch-up signal.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	scopeKey := r.Header.Get(ScopeHeader)

	channels := make([]string, 0, len(s.tables))
	for _, table := range s.tables {
		channels = append(channels, dispatch.ChannelName(s.namespace, scopeKey, table))
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Warn("feed upgrade failed", "scope", scopeKey, "error", err)
		return
	}

	sub := s.hub.Subscribe(channels...)
	slog.Info("feed session opened", "scope", scopeKey, "channels", len(channels))

	go s.feedReadLoop(conn, sub, scopeKey)
	s.feedWriteLoop(conn, sub, scopeKey)
}

// feedWriteLoop pushes frames and pings until the subscription or the
// connection dies.
func (s *Server) feedWriteLoop(conn *websocket.Conn, sub *dispatch.Subscription, scopeKey string) {
	defer conn.Close()
	defer sub.Close()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				// Evicted by the hub; tell the client to reconnect.
				conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"))
				slog.Warn("feed session evicted", "scope", scopeKey)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				slog.Debug("feed write failed, closing session", "scope", scopeKey, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// feedReadLoop discards inbound messages; its job is noticing the peer going
// away and answering pings with pong deadline resets.
func (s *Server) feedReadLoop(conn *websocket.Conn, sub *dispatch.Subscription, scopeKey string) {
	defer sub.Close()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(feedPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			slog.Debug("feed session closed", "scope", scopeKey, "error", err)
			return
		}
	}
}
