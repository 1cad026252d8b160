package gateway

import (
	"container/list"
	"context"
	"sync"
)

// Queue is an unbounded FIFO handoff channel. A value published while a
// consumer is waiting goes straight to the oldest waiter; otherwise it is
// kept in the backlog until someone consumes it. Every value is delivered to
// exactly one consumer, in publish order.
type Queue[T any] struct {
	mu      sync.Mutex
	backlog []T
	waiters list.List // of *waiter[T], oldest at front
}

type waiter[T any] struct {
	ch     chan T
	handed bool
}

// NewQueue creates an empty Queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Publish hands v to the oldest waiting consumer, or appends it to the
// backlog. It never blocks.
func (q *Queue[T]) Publish(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if front := q.waiters.Front(); front != nil {
		w := q.waiters.Remove(front).(*waiter[T])
		w.handed = true
		w.ch <- v // buffered, never blocks
		return
	}
	q.backlog = append(q.backlog, v)
}

// Consume returns the oldest value, suspending until one is published or
// ctx is done. If a value was handed over while ctx was being cancelled,
// the value wins and is returned with a nil error.
func (q *Queue[T]) Consume(ctx context.Context) (T, error) {
	q.mu.Lock()
	if len(q.backlog) > 0 {
		v := q.backlog[0]
		var zero T
		q.backlog[0] = zero
		q.backlog = q.backlog[1:]
		q.mu.Unlock()
		return v, nil
	}
	w := &waiter[T]{ch: make(chan T, 1)}
	elem := q.waiters.PushBack(w)
	q.mu.Unlock()

	select {
	case v := <-w.ch:
		return v, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	if !w.handed {
		q.waiters.Remove(elem)
		q.mu.Unlock()
		var zero T
		return zero, ctx.Err()
	}
	q.mu.Unlock()
	// A publisher removed us under the lock and already sent.
	return <-w.ch, nil
}

// Len returns the number of values waiting in the backlog.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Waiting returns the number of suspended consumers.
func (q *Queue[T]) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len()
}
