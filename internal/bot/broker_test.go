package bot

import (
	"context"
	"testing"
	"time"
)

func TestBrokerDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Subscribe(ctx)

	b.Publish(newEvent(EventBotStarted, "alpha", "@alpha_bot"))

	select {
	case event := <-ch:
		if event.Type != EventBotStarted || event.Bot != "alpha" {
			t.Errorf("event = %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	if last := b.Last(); last.Bot != "alpha" {
		t.Errorf("Last() = %+v", last)
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(context.Background())

	b.Shutdown()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected a closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed on shutdown")
	}

	// Publishing after shutdown is a no-op, not a panic.
	b.Publish(newEvent(EventBotStopped, "alpha", ""))
}
