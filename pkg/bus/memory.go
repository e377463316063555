package bus

import (
	"context"
	"path"
	"sync"
)

const memoryBufferSize = 256

// MemoryBus is an in-process Bus for tests and single-instance dev runs.
// Patterns use path.Match syntax, which covers the "*" the dispatcher
// subscribes with.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrDisconnected
	}

	for sub := range b.subs {
		matched, merr := path.Match(sub.pattern, topic)
		println("DEBUG publish topic", topic, "pattern", sub.pattern, "matched", matched, "err", merr != nil)
		if !matched {
			continue
		}
		// Copy so a subscriber cannot mutate another's payload.
		dup := make([]byte, len(payload))
		copy(dup, payload)
		select {
		case sub.events <- Event{Topic: topic, Payload: dup}:
		default:
			// Subscriber buffer full; this bus is dev/test only and
			// drops rather than blocking publishers.
		}
	}
	return nil
}

func (b *MemoryBus) SubscribePattern(ctx context.Context, pattern string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrDisconnected
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		events:  make(chan Event, memoryBufferSize),
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.drop(nil)
	}
	b.subs = make(map[*memorySubscription]struct{})
	return nil
}

// Drop forcibly disconnects all live subscriptions, simulating a broker
// failure so resubscribe paths can be tested.
func (b *MemoryBus) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		sub.drop(ErrDisconnected)
	}
	b.subs = make(map[*memorySubscription]struct{})
}

type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	events  chan Event
	done    chan struct{}
	once    sync.Once
	err     error
}

func (s *memorySubscription) drop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		close(s.events)
	})
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Err() error {
	return s.err
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.drop(nil)
	return nil
}
