package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/engine"
)

// Bus is an in-process publisher with buffered subscriber channels. It
// implements engine.EventPublisher. Slow subscribers lose events rather
// than stall the lifecycle.
type Bus struct {
	mu   sync.RWMutex
	subs []chan engine.LifecycleEvent
	log  zerolog.Logger
}

const subscriberBuffer = 64

// NewBus creates an in-process event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		log: logger.With().Str("component", "event-bus").Logger(),
	}
}

// Subscribe returns a channel receiving all subsequent events.
func (b *Bus) Subscribe() <-chan engine.LifecycleEvent {
	ch := make(chan engine.LifecycleEvent, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(_ context.Context, event engine.LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.Warn().Str("type", event.Type).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Multi fans one event out to several publishers.
type Multi []engine.EventPublisher

// Publish implements engine.EventPublisher.
func (m Multi) Publish(ctx context.Context, event engine.LifecycleEvent) {
	for _, p := range m {
		p.Publish(ctx, event)
	}
}
