package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/engine"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	a := bus.Subscribe()
	b := bus.Subscribe()

	event := engine.LifecycleEvent{
		Type:      "session.started",
		SessionID: "sess-1",
		Domain:    "app.example.com",
		Timestamp: time.Now(),
	}
	bus.Publish(context.Background(), event)

	for _, ch := range []<-chan engine.LifecycleEvent{a, b} {
		select {
		case got := <-ch:
			if got.SessionID != "sess-1" {
				t.Errorf("expected session sess-1, got %s", got.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	ch := bus.Subscribe()

	// Overfill the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Publish(context.Background(), engine.LifecycleEvent{Type: "phase.started"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if len(ch) != subscriberBuffer {
		t.Errorf("expected %d buffered events, got %d", subscriberBuffer, len(ch))
	}
}

func TestMultiFansOut(t *testing.T) {
	bus1 := NewBus(zerolog.Nop())
	bus2 := NewBus(zerolog.Nop())
	defer bus1.Close()
	defer bus2.Close()

	a := bus1.Subscribe()
	b := bus2.Subscribe()

	multi := Multi{bus1, bus2}
	multi.Publish(context.Background(), engine.LifecycleEvent{Type: "session.completed"})

	for _, ch := range []<-chan engine.LifecycleEvent{a, b} {
		select {
		case got := <-ch:
			if got.Type != "session.completed" {
				t.Errorf("unexpected event type %s", got.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSanitizeToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"app.example.com", "app-example-com"},
		{"session.started", "session-started"},
		{"plain", "plain"},
		{"a b*c>d", "a-b-c-d"},
	}
	for _, tt := range tests {
		if got := sanitizeToken(tt.in); got != tt.want {
			t.Errorf("sanitizeToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
