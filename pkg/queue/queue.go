// Package queue abstracts the message queues that receive notification
// and audit envelopes. Enqueues are best-effort from the relay's point of
// view: durability is the external queue's job.
package queue

import "context"

// Queue enqueues an opaque payload onto a named queue.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload []byte) error
}
