// Package dispatch publishes newly captured log entries to scoped channels
// and marks them processed exactly once.
//
// A channel is just a string key ("<namespace>:<scope>:<table>"); delivery is
// the Publisher interface, not a specific transport. The in-process Hub is
// the production Publisher, fanning frames out to websocket sessions, but
// tests substitute their own.
package dispatch

import (
	"log/slog"
	"sync"
)

// Publisher delivers an encoded frame to everyone subscribed to a channel.
//
// Publish must be safe for concurrent use. A returned error means delivery
// could not be attempted at all; the dispatcher leaves the entry unprocessed
// and retries on its next scan.
type Publisher interface {
	Publish(channel string, frame []byte) error
}

// Subscription is one subscriber's view of the hub. Frames for any of its
// channels arrive on Frames() in publish order.
type Subscription struct {
	hub      *Hub
	channels map[string]bool
	frames   chan []byte
	once     sync.Once
}

// Frames returns the delivery channel. It is closed when the subscription is
// dropped, either by Close or by the hub evicting a slow consumer.
func (s *Subscription) Frames() <-chan []byte {
	return s.frames
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.drop(s)
}

// subscriberBuffer is the per-subscription queue depth. A subscriber that
// falls this far behind is evicted; it reconnects and resnapshots, which is
// cheaper than unbounded buffering on the server.
const subscriberBuffer = 256

// Hub is an in-process publish/subscribe fanout keyed by channel name.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for the given channels.
func (h *Hub) Subscribe(channels ...string) *Subscription {
	sub := &Subscription{
		hub:      h,
		channels: make(map[string]bool, len(channels)),
		frames:   make(chan []byte, subscriberBuffer),
	}
	for _, ch := range channels {
		sub.channels[ch] = true
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish implements Publisher: it delivers the frame to every subscription
// covering the channel. Slow consumers are evicted rather than blocking the
// dispatcher; the client-side resnapshot path recovers them.
func (h *Hub) Publish(channel string, frame []byte) error {
	h.mu.RLock()
	var evict []*Subscription
	for sub := range h.subs {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.frames <- frame:
		default:
			evict = append(evict, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range evict {
		slog.Warn("evicting slow feed subscriber", "channel", channel)
		h.drop(sub)
	}
	return nil
}

// SubscriberCount returns the number of attached subscriptions.
// Useful for monitoring and testing.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) drop(sub *Subscription) {
	h.mu.Lock()
	_, attached := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()

	if attached {
		sub.once.Do(func() { close(sub.frames) })
	}
}
