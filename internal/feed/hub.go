// Package feed fans stats snapshots out to live websocket subscribers.
package feed

import (
	"sync"
	"time"

	"github.com/sheerbytes/streamrec/pkg/protocol"
)

// Subscriber describes one connected watcher.
type Subscriber struct {
	ConnID      string
	RemoteAddr  string
	ConnectedAt time.Time
}

type subscriberConn struct {
	sub  Subscriber
	send chan protocol.Envelope
}

// Hub tracks live subscribers. Slow subscribers miss snapshots rather than
// blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriberConn // connID -> subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*subscriberConn)}
}

// Add registers a subscriber and returns a remove function. send is called
// from a dedicated writer goroutine; the first send error stops delivery to
// that subscriber.
func (h *Hub) Add(s Subscriber, send func(env protocol.Envelope) error) (remove func()) {
	ch := make(chan protocol.Envelope, 16)
	sc := &subscriberConn{sub: s, send: ch}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	// A reused connection id replaces the older subscriber.
	if old, ok := h.subs[s.ConnID]; ok {
		close(old.send)
	}
	h.subs[s.ConnID] = sc
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			current, ok := h.subs[s.ConnID]
			if !ok || current != sc {
				h.mu.Unlock()
				return
			}
			delete(h.subs, s.ConnID)
			h.mu.Unlock()

			close(ch)
			select {
			case <-done:
			case <-time.After(time.Second):
			}
		})
	}
}

// List returns the connected subscribers.
func (h *Hub) List() []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Subscriber, 0, len(h.subs))
	for _, sc := range h.subs {
		out = append(out, sc.sub)
	}
	return out
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues env for every subscriber without blocking.
func (h *Hub) Broadcast(env protocol.Envelope) {
	// Sends happen under the read lock so remove cannot close a channel
	// mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sc := range h.subs {
		select {
		case sc.send <- env:
		default:
		}
	}
}

// SendTo queues env for one subscriber. It reports whether the subscriber
// exists.
func (h *Hub) SendTo(connID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sc, ok := h.subs[connID]
	if !ok {
		return false
	}
	select {
	case sc.send <- env:
	default:
	}
	return true
}
