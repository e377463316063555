package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryBusPatternDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	all, err := b.SubscribePattern(ctx, "*")
	require.NoError(t, err)
	only, err := b.SubscribePattern(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "c1", []byte("one")))
	require.NoError(t, b.Publish(ctx, "c2", []byte("two")))

	ev := recvEvent(t, all)
	assert.Equal(t, "c1", ev.Topic)
	assert.Equal(t, []byte("one"), ev.Payload)

	ev = recvEvent(t, all)
	assert.Equal(t, "c2", ev.Topic)

	ev = recvEvent(t, only)
	assert.Equal(t, "c1", ev.Topic)

	select {
	case ev, ok := <-only.Events():
		if ok {
			t.Fatalf("unexpected event on narrow subscription: %+v", ev)
		}
	default:
	}
}

func TestMemoryBusOrderingPerTopic(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.SubscribePattern(ctx, "*")
	require.NoError(t, err)

	payloads := []string{"p1", "p2", "p3"}
	for _, p := range payloads {
		require.NoError(t, b.Publish(ctx, "c1", []byte(p)))
	}
	for _, want := range payloads {
		assert.Equal(t, []byte(want), recvEvent(t, sub).Payload)
	}
}

func TestMemoryBusDropSurfacesDisconnect(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.SubscribePattern(ctx, "*")
	require.NoError(t, err)

	b.Drop()

	_, ok := <-sub.Events()
	assert.False(t, ok, "events channel should close on drop")
	assert.ErrorIs(t, sub.Err(), ErrDisconnected)

	// The bus itself stays usable for new subscriptions after a drop.
	again, err := b.SubscribePattern(ctx, "*")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "c1", []byte("after")))
	assert.Equal(t, []byte("after"), recvEvent(t, again).Payload)
}

func TestMemoryBusCloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	sub, err := b.SubscribePattern(ctx, "*")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	assert.ErrorIs(t, b.Publish(ctx, "c1", nil), ErrDisconnected)
}
