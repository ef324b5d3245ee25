package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus mirrors gateway events over Redis Pub/Sub so consumers outside
// the gateway process (dashboards, audit collectors) can follow them.
// Locally it also fans out to in-process subscribers for zero-latency
// delivery.
type RedisBus struct {
	mu      sync.RWMutex
	client  *redis.Client
	prefix  string
	local   *LocalBus
	cancels []context.CancelFunc
	closed  bool
}

// NewRedisBus connects to Redis and verifies the connection. prefix defaults
// to "mew:events:".
func NewRedisBus(ctx context.Context, addr, prefix string) (*RedisBus, error) {
	if prefix == "" {
		prefix = "mew:events:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("events: redis ping: %w", err)
	}
	return &RedisBus{client: client, prefix: prefix, local: NewLocalBus()}, nil
}

// Publish sends the event to Redis and to in-process subscribers. A Redis
// failure degrades to local-only delivery; the router never blocks on the
// mirror.
func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("events: bus closed")
	}
	b.mu.RUnlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+string(ev.Type), data).Err(); err != nil {
		slog.Warn("event mirror publish failed, local delivery only",
			"type", ev.Type, "error", err)
		return b.local.Publish(ctx, ev)
	}
	return nil
}

// Subscribe registers a handler for events from this process and, via
// Redis, from any other publisher sharing the prefix.
func (b *RedisBus) Subscribe(t Type, h Handler) func() {
	unsubLocal := b.local.Subscribe(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	sub := b.client.Subscribe(ctx, b.prefix+string(t))
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("event mirror decode failed", "error", err)
					continue
				}
				if err := h(ctx, &ev); err != nil {
					slog.Warn("event handler failed", "type", ev.Type, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		unsubLocal()
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.local.Close()
	return b.client.Close()
}
