package queue

import (
	"context"
	"sync"
)

// MemoryQueue records payloads in memory, for tests and dev runs.
type MemoryQueue struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{payloads: make(map[string][][]byte)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dup := make([]byte, len(payload))
	copy(dup, payload)
	q.payloads[name] = append(q.payloads[name], dup)
	return nil
}

// Drain returns and clears everything enqueued to the named queue.
func (q *MemoryQueue) Drain(name string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.payloads[name]
	delete(q.payloads, name)
	return out
}

// Len reports how many payloads are waiting on the named queue.
func (q *MemoryQueue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.payloads[name])
}
