// Copyright 2025 James Ross

// Package stream implements the live status stream (spec C6): an
// in-process bounded broadcast hub with lagged-subscriber semantics,
// plus an optional NATS relay for multi-daemon deployments. Grounded
// on the teacher's event-hooks subscriber model (subscription,
// per-event filter, health tracking), generalized from a pluggable
// subscriber registry to a single broadcast fan-out since every
// subscriber here wants the same event shape.
package stream

import (
	"sync"
	"time"

	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/obs"
)

// Event is one lifecycle transition, published after the transition
// is durably persisted (spec §4.5: the stream is a read-after-write
// notification channel, never a source of truth).
type Event struct {
	RequestID string
	BatchID   string
	State     lifecycle.State
	At        time.Time
}

// Hub is a bounded broadcast point: each subscriber gets its own
// buffered channel. A subscriber that falls behind is dropped rather
// than allowed to block publishers (spec §4.5's "slow consumer"
// clause) — its channel is closed and StreamLagged is incremented.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]chan Event
	nextID int64
	buffer int
	relay  Relay
}

// Relay is the optional cross-process sink (internal/stream/nats.go).
type Relay interface {
	Publish(Event) error
}

// NewHub constructs a Hub with the given per-subscriber buffer depth.
func NewHub(buffer int, relay Relay) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{subs: make(map[int64]chan Event), buffer: buffer, relay: relay}
}

// Subscribe registers a new listener and returns its channel and an
// unsubscribe func. The channel is closed when the caller
// unsubscribes or when the subscriber is dropped for lagging.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() { h.drop(id) }
}

func (h *Hub) drop(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish fans an event out to every current subscriber. Publish
// itself never blocks: a full subscriber channel is treated as lagged
// and dropped, exactly like spec §4.5 describes for the HTTP stream
// endpoint's buffered write side.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.Lock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, id)
			close(ch)
			obs.StreamLagged.Inc()
		}
	}
	h.mu.Unlock()

	if h.relay != nil {
		_ = h.relay.Publish(ev)
	}
}

// Subscribers reports the current listener count, for diagnostics.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
