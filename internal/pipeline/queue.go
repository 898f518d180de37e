package pipeline

import (
	"context"

	"broker-core/internal/errs"
	"broker-core/internal/order"
)

// Queue buffers intake requests ahead of the pipeline workers.
type Queue struct {
	ch chan order.Request
}

// NewQueue creates a buffered request queue.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{ch: make(chan order.Request, size)}
}

// Enqueue adds a request, failing fast when the buffer is full so the API
// can shed load instead of blocking callers.
func (q *Queue) Enqueue(r order.Request) error {
	select {
	case q.ch <- r:
		return nil
	default:
		return errs.New(errs.KindTransientStorage, "", "intake queue full")
	}
}

// Chan exposes the receive side for workers.
func (q *Queue) Chan() <-chan order.Request {
	return q.ch
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Enqueue must not be called after Close.
func (q *Queue) Close() {
	close(q.ch)
}

// Drain consumes requests with a handler until the context is cancelled.
func (q *Queue) Drain(ctx context.Context, handler func(order.Request)) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-q.ch:
			if !ok {
				return
			}
			handler(r)
		}
	}
}
