package eventbus

import (
	"context"
	"testing"
	"time"

	"crawlfleet/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	bus := New()
	ctx := context.Background()

	a, err := bus.SubscribeEvents(ctx)
	require.NoError(t, err)
	b, err := bus.SubscribeEvents(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.PublishEvent(ctx, domain.Event{Type: domain.EventJobCreated, JobID: "J1"}))

	for _, ch := range []<-chan domain.Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, "J1", ev.JobID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	bus := New()
	ctx := context.Background()
	ch, err := bus.SubscribeEvents(ctx)
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, bus.PublishEvent(ctx, domain.Event{Type: domain.EventStatsUpdated}))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBus_UnsubscribeOnCancel(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.SubscribeEvents(ctx)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// Publishing after the subscriber left must not panic.
	require.NoError(t, bus.PublishEvent(context.Background(), domain.Event{Type: domain.EventStatsUpdated}))
}

func TestBus_Close(t *testing.T) {
	bus := New()
	ch, err := bus.SubscribeEvents(context.Background())
	require.NoError(t, err)

	bus.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late, err := bus.SubscribeEvents(context.Background())
	require.NoError(t, err)
	_, ok = <-late
	assert.False(t, ok)
}
