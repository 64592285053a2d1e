package event

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := bus.Subscribe(ctx)
	b := bus.Subscribe(ctx)
	if got := bus.Subscribers(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	bus.Publish(Event{Type: TypeLoginPending, UserID: "u1"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeLoginPending || ev.UserID != "u1" {
				t.Fatalf("subscriber %s got unexpected event %+v", name, ev)
			}
			if ev.Timestamp.IsZero() {
				t.Fatalf("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s did not receive the event", name)
		}
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)

	cancel()
	deadline := time.After(time.Second)
	for bus.Subscribers() != 0 {
		select {
		case <-deadline:
			t.Fatalf("subscriber was not removed after cancel")
		case <-time.After(time.Millisecond):
		}
	}

	// Channel is closed once removed.
	if _, open := <-ch; open {
		t.Fatalf("expected closed channel")
	}

	// Publishing with no subscribers must not panic or block.
	bus.Publish(Event{Type: TypeLogout})
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = bus.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			bus.Publish(Event{Type: TypeTokenRefreshed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}
