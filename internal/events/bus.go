// Package events fans committed ledger events out to in-process subscribers.
// Every event is published on the firehose topic and on its entity's topic.
package events

import (
	"context"
	"sync"

	"github.com/cskr/pubsub"
	lru "github.com/hashicorp/golang-lru/v2"

	"marketcore/pkg/domain"
)

// TopicAll carries every event.
const TopicAll = "all"

// Topic returns the topic events for entity are published on.
func Topic(entity domain.EntityType) string {
	return "entity:" + string(entity)
}

const (
	defaultCapacity = 64
	defaultDedupe   = 4096
)

// Bus is a topic-based event fan-out. It drops events it has already
// delivered, so the committing process and a journal follower can both feed
// it without double delivery.
type Bus struct {
	mu     sync.Mutex
	ps     *pubsub.PubSub
	seen   *lru.Cache[string, struct{}]
	last   uint64
	closed bool
}

// Option configures a Bus.
type Option func(*busConfig)

type busConfig struct {
	capacity int
	dedupe   int
}

// WithCapacity sets the per-subscriber channel buffer.
func WithCapacity(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithDedupeWindow sets how many recent event ids are remembered.
func WithDedupeWindow(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.dedupe = n
		}
	}
}

// NewBus constructs a bus.
func NewBus(opts ...Option) *Bus {
	cfg := busConfig{capacity: defaultCapacity, dedupe: defaultDedupe}
	for _, opt := range opts {
		opt(&cfg)
	}
	seen, _ := lru.New[string, struct{}](cfg.dedupe)
	return &Bus{ps: pubsub.New(cfg.capacity), seen: seen}
}

// Publish delivers events in order. It satisfies core.EventPublisher.
func (b *Bus) Publish(_ context.Context, events []domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, e := range events {
		if ok, _ := b.seen.ContainsOrAdd(e.ID, struct{}{}); ok {
			continue
		}
		if e.Seq > b.last {
			b.last = e.Seq
		}
		b.ps.Pub(e, TopicAll, Topic(e.Entity))
	}
}

// LastSeq reports the highest sequence number published.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Subscribe returns a channel receiving events on topics until ctx is done or
// the bus closes. With no topics the firehose is used.
func (b *Bus) Subscribe(ctx context.Context, topics ...string) <-chan domain.Event {
	if len(topics) == 0 {
		topics = []string{TopicAll}
	}
	out := make(chan domain.Event, defaultCapacity)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out
	}
	sub := b.ps.Sub(topics...)
	b.mu.Unlock()

	go func() {
		defer close(out)
		done := ctx.Done()
		for {
			select {
			case val, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- val.(domain.Event):
				case <-ctx.Done():
				}
			case <-done:
				// Unsub blocks until the pubsub loop drains, and the loop
				// may be blocked on sub.
				done = nil
				go b.ps.Unsub(sub)
			}
		}
	}()
	return out
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}
