// Package events provides a pluggable bus for gateway lifecycle events.
//
// The router publishes what happened (joins, leaves, rejections, grant
// activations, stream opens, slow-consumer evictions) and external
// observers (dashboards, audit sinks) subscribe. Events are one-way
// telemetry: nothing published here is ever routed back into a space.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type classifies gateway events.
type Type string

const (
	EventParticipantJoined  Type = "participant.joined"
	EventParticipantLeft    Type = "participant.left"
	EventParticipantInvited Type = "participant.invited"
	EventEnvelopeRejected   Type = "envelope.rejected"
	EventGrantActivated     Type = "grant.activated"
	EventGrantRevoked       Type = "grant.revoked"
	EventStreamOpened       Type = "stream.opened"
	EventStreamClosed       Type = "stream.closed"
	EventSlowConsumer       Type = "session.slow_consumer"
)

// Event is one gateway occurrence. Payload values are small and
// JSON-serializable; tokens never appear here.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Space     string                 `json:"space"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, ev *Event) error

// Bus is the publish/subscribe surface. The in-process implementation
// serves a single gateway; the Redis implementation mirrors events to
// external consumers.
type Bus interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(t Type, h Handler) (unsubscribe func())
	Close() error
}

// LocalBus is the in-memory implementation.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[Type][]subEntry
	nextID int
	closed bool
}

type subEntry struct {
	id      int
	handler Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[Type][]subEntry)}
}

// Publish dispatches to subscribers asynchronously; a failing handler is
// logged and never blocks the router.
func (b *LocalBus) Publish(ctx context.Context, ev *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, entry := range b.subs[ev.Type] {
		h := entry.handler
		go func() {
			if err := h(ctx, ev); err != nil {
				slog.Warn("event handler failed", "type", ev.Type, "error", err)
			}
		}()
	}
	return nil
}

func (b *LocalBus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subEntry{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[t]
		for i, e := range entries {
			if e.id == id {
				b.subs[t] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}

// NopBus discards everything; used when no bus is configured.
type NopBus struct{}

func (NopBus) Publish(context.Context, *Event) error { return nil }
func (NopBus) Subscribe(Type, Handler) func()        { return func() {} }
func (NopBus) Close() error                          { return nil }
