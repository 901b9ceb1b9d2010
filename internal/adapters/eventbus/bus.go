package eventbus

import (
	"context"
	"sync"

	"crawlfleet/internal/core/domain"
)

const subscriberBuffer = 64

// Bus is the in-process EventPublisher used when no Redis is configured.
// Every subscriber gets every event published after it subscribed; a
// subscriber that falls behind loses events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan domain.Event]struct{}
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[chan domain.Event]struct{})}
}

func (b *Bus) PublishEvent(_ context.Context, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// SubscribeEvents returns a channel closed once ctx is done or the bus is
// closed.
func (b *Bus) SubscribeEvents(ctx context.Context) (<-chan domain.Event, error) {
	ch := make(chan domain.Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()
	return ch, nil
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Bus) unsubscribe(ch chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}
