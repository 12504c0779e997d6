package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvOne[T any](t *testing.T, ch <-chan Event[T]) Event[T] {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event arrived")
		return Event[T]{}
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	b.Publish(UpdatedEvent, "hello")

	ev := recvOne(t, ch)
	require.Equal(t, "hello", ev.Payload)
	require.Equal(t, UpdatedEvent, ev.Type)
	require.False(t, ev.Timestamp.IsZero())
}

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx := context.Background()
	chans := []<-chan Event[int]{b.Subscribe(ctx), b.Subscribe(ctx), b.Subscribe(ctx)}
	require.Equal(t, 3, b.SubscriberCount())

	b.Publish(CreatedEvent, 42)
	for _, ch := range chans {
		require.Equal(t, 42, recvOne(t, ch).Payload)
	}
}

func TestBroker_ContextCancelRemovesSubscriber(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)

	_, ok := <-ch
	require.False(t, ok, "channel closes on cancel")
}

func TestBroker_SlowSubscriberDrops(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()

	ch := b.Subscribe(context.Background())

	// Nobody reads, so only the first publish fits the buffer.
	b.Publish(UpdatedEvent, 1)
	b.Publish(UpdatedEvent, 2)
	b.Publish(UpdatedEvent, 3)

	require.Equal(t, 1, recvOne(t, ch).Payload)
	require.EqualValues(t, 2, b.Dropped())
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker[string]()
	ctx := context.Background()

	ch1 := b.Subscribe(ctx)
	ch2 := b.Subscribe(ctx)

	b.Close()
	b.Close() // idempotent

	_, ok := <-ch1
	require.False(t, ok)
	_, ok = <-ch2
	require.False(t, ok)
	require.Equal(t, 0, b.SubscriberCount())

	// Post-close use neither panics nor delivers.
	b.Publish(UpdatedEvent, "late")
	ch3 := b.Subscribe(ctx)
	_, ok = <-ch3
	require.False(t, ok, "subscribe after close yields a closed channel")
}
