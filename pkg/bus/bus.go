// Package bus abstracts the cross-instance pub/sub transport that
// replicates publishes between relay servers.
package bus

import (
	"context"
	"errors"
)

// ErrDisconnected indicates a live subscription dropped. Subscribers are
// expected to resubscribe; events lost in the gap are recovered by clients
// through the unread request, not by the bus.
var ErrDisconnected = errors.New("bus subscription disconnected")

// Event is one message received on a subscription.
type Event struct {
	Topic   string
	Payload []byte
}

// Subscription is a live pattern subscription. Events() is closed when the
// subscription ends; Err() reports why (nil after Close).
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Bus publishes raw envelopes to topics and subscribes by pattern.
// Delivery is at-least-once within a live subscription and nothing is
// persisted.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	SubscribePattern(ctx context.Context, pattern string) (Subscription, error)
	Close() error
}
