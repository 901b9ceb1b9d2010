package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/logger"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "crawlfleet:"
	EventChannel = keyPrefix + "events"
)

// NewClient parses a redis:// URL and returns a client.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// EventBus fans coordinator events out over Redis pub/sub so every server
// process can feed its dashboards.
type EventBus struct {
	client *redis.Client
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

func (r *EventBus) PublishEvent(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, EventChannel, data).Err()
}

// SubscribeEvents delivers events until ctx is cancelled. A slow reader
// loses events rather than stalling the subscription.
func (r *EventBus) SubscribeEvents(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := r.client.Subscribe(ctx, EventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", EventChannel, err)
	}
	ch := make(chan domain.Event, 64)

	go func() {
		defer pubsub.Close()
		defer close(ch)

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("Dropping malformed event", "error", err)
					continue
				}
				select {
				case ch <- event:
				default:
				}
			}
		}
	}()
	return ch, nil
}
