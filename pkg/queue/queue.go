// Package queue provides the unbounded FIFO used to decouple pipeline
// producers from consumers. Capacity is unbounded on purpose: audio frames
// must never be dropped or reordered mid-utterance, so backpressure is
// absorbed in memory instead of being pushed back onto producers.
package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO. Push never blocks; Pop blocks until an item is
// available, the queue is closed, or the context is cancelled. Safe for
// concurrent use.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{} // signalled (capacity 1) on push and close
}

// New creates an empty [Queue].
func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends v to the queue without blocking. Reports whether the item was
// accepted; pushes after Close are discarded.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return true
}

// Pop removes and returns the oldest item. It blocks until an item arrives,
// the queue is closed and drained (ok=false), or ctx is cancelled (the
// context error is returned).
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			// Avoid retaining popped items in the backing array.
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// Wake the next waiter; coalesced push signals would
				// otherwise strand items behind concurrent Pops.
				q.signal()
			}
			return v, true, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return v, false, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed. Queued items remain poppable; once drained,
// Pop returns ok=false. Safe to call multiple times.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// signal wakes one waiting Pop without blocking.
func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
