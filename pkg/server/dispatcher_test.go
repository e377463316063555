package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/protocol"
)

func TestDispatcherOrdering(t *testing.T) {
	f := newFixture(t)
	mustCreateChannel(t, f.store, "c1", []string{"u", "peer"}, false)

	u := f.dial(t)
	u.authenticate("u")
	u.attend("c1")

	const n = 20
	for i := 0; i < n; i++ {
		u.publish("text", "m")
	}

	last := float64(0)
	for i := 0; i < n; i++ {
		env := u.recv()
		ts := env["published_at"].(float64)
		require.Greater(t, ts, last, "fan-out must preserve publish order")
		last = ts
	}
}

func TestDispatcherAdvancesReadCursorOnAck(t *testing.T) {
	f := newFixture(t)
	mustCreateChannel(t, f.store, "c1", []string{"u", "peer"}, false)

	u := f.dial(t)
	u.authenticate("u")
	u.attend("c1")

	// An ack echo published by a peer instance moves the attending
	// session's read cursor like any other envelope.
	ts := protocol.Now()
	doc, err := protocol.Encode(protocol.AckEnvelope{
		Method:      protocol.MethodAck,
		Channel:     "c1",
		Sender:      "peer",
		PublishedAt: ts,
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), "c1", doc))

	env := u.recv()
	require.Equal(t, protocol.MethodAck, env["method"])

	require.Eventually(t, func() bool {
		info, err := f.store.GetJoinInfo(context.Background(), "c1", "u")
		return err == nil && info.LastReadAt == ts
	}, waitFor, tick)
}

func TestDispatcherIgnoresIdleSessions(t *testing.T) {
	f := newFixture(t)
	mustCreateChannel(t, f.store, "c1", []string{"u", "peer"}, false)

	u := f.dial(t)
	u.authenticate("u")
	// Not attending: envelopes are still delivered but the cursor must
	// not move.
	doc, err := protocol.Encode(protocol.PublishEnvelope{
		Method:      protocol.MethodPublish,
		Type:        "text",
		Channel:     "c1",
		Message:     "hi",
		Writer:      "peer",
		PublishedAt: protocol.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), "c1", doc))

	env := u.recv()
	require.Equal(t, "hi", env["message"])

	time.Sleep(50 * time.Millisecond)
	info, err := f.store.GetJoinInfo(context.Background(), "c1", "u")
	require.NoError(t, err)
	require.Zero(t, info.LastReadAt)
}

func TestDispatcherResubscribes(t *testing.T) {
	f := newFixture(t)
	mustCreateChannel(t, f.store, "c1", []string{"u", "peer"}, false)

	u := f.dial(t)
	u.authenticate("u")

	doc, err := protocol.Encode(protocol.PublishEnvelope{
		Method:      protocol.MethodPublish,
		Type:        "text",
		Channel:     "c1",
		Message:     "before",
		Writer:      "peer",
		PublishedAt: protocol.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), "c1", doc))
	require.Equal(t, "before", u.recv()["message"])

	// Simulate a broker failure. The dispatcher must come back on its
	// own; envelopes lost in the gap are not replayed.
	f.bus.Drop()

	after, err := protocol.Encode(protocol.PublishEnvelope{
		Method:      protocol.MethodPublish,
		Type:        "text",
		Channel:     "c1",
		Message:     "after",
		Writer:      "peer",
		PublishedAt: protocol.Now(),
	})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, f.bus.Publish(context.Background(), "c1", after))
		if env, ok := u.tryRecv(200 * time.Millisecond); ok {
			require.Equal(t, "after", env["message"])
			return
		}
	}
	t.Fatal("dispatcher did not resubscribe after the bus dropped")
}
