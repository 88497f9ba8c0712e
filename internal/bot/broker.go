package bot

import (
	"context"
	"sync"
)

// eventBuffer is the per-subscriber channel depth; a subscriber that
// falls further behind than this starts missing events.
const eventBuffer = 64

// Broker fan-outs lifecycle events to subscribers without blocking
// publishers. The manager is the only publisher; subscribers are the
// daemon log and whatever else wants to watch bots come and go.
type Broker struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	done chan struct{}
	last Event
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[chan Event]struct{}),
		done: make(chan struct{}),
	}
}

// Shutdown closes the broker and all subscriber channels.
func (b *Broker) Shutdown() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		close(ch)
	}
	clear(b.subs)
}

// Subscribe registers for future events. The returned channel closes
// when the provided context is done or the broker shuts down.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event)
		close(ch)
		return ch
	default:
	}

	ch := make(chan Event, eventBuffer)
	b.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subs[ch]; !ok {
			return
		}
		delete(b.subs, ch)
		close(ch)
	}()

	return ch
}

// Publish sends the event to all subscribers, best effort: a slow
// subscriber is skipped, never waited on.
func (b *Broker) Publish(event Event) {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return
	default:
	}
	b.last = event

	subs := make([]chan Event, 0, len(b.subs))
	for ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Last returns the most recently published event, for status surfaces
// that want "what happened last" without holding a subscription.
func (b *Broker) Last() Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}
