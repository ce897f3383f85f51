package utils

import "sync"

// Queue is an unbounded FIFO that is safe for concurrent use.
// Push never blocks, which keeps producers (PTY readers, UI callbacks)
// independent of how fast the consumer drains.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v. It reports false if the queue has been closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.notify()
	return true
}

// Drain removes and returns everything queued so far, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

// Wait blocks until items are available and returns them. It returns false
// once the queue is closed and empty, or when done fires.
func (q *Queue[T]) Wait(done <-chan struct{}) ([]T, bool) {
	for {
		if items := q.Drain(); len(items) > 0 {
			return items, true
		}
		if q.Closed() {
			// A push may have landed between Drain and Close.
			if items := q.Drain(); len(items) > 0 {
				return items, true
			}
			return nil, false
		}
		select {
		case <-q.signal:
		case <-done:
			return nil, false
		}
	}
}

// Close stops accepting new items. Items already queued stay drainable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
