// Package queue provides the bounded FIFO used for backpressure throughout
// the server.
package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Ring is a fixed-capacity FIFO safe for concurrent producers and consumers.
//
// A ring of capacity C holds at most C-1 items: one slot is kept free so
// head == tail always means empty and tail+1 == head always means full.
// TryPush and TryPop never block.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // next slot to pop
	tail     int // next slot to push
	capacity int

	// count mirrors the occupancy for lock-free Size reads
	count atomic.Int64
}

// New creates a ring with the given capacity. Capacity must be at least 2.
func New[T any](capacity int) *Ring[T] {
	if capacity < 2 {
		panic(fmt.Sprintf("queue: capacity %d must be at least 2", capacity))
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// TryPush appends item. It returns false, leaving the item with the
// caller, when the ring already holds Capacity()-1 items.
func (r *Ring[T]) TryPush(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := (r.tail + 1) % r.capacity
	if next == r.head {
		return false
	}
	r.buf[r.tail] = item
	r.tail = next
	r.count.Add(1)
	return true
}

// TryPop removes the oldest item. ok is false when the ring is empty.
func (r *Ring[T]) TryPop() (item T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head == r.tail {
		return item, false
	}
	item = r.buf[r.head]
	var zero T
	r.buf[r.head] = zero // release the reference
	r.head = (r.head + 1) % r.capacity
	r.count.Add(-1)
	return item, true
}

// Size returns the number of items at the instant of the call.
// Under concurrent mutation it is a snapshot, not a guarantee.
func (r *Ring[T]) Size() int {
	return int(r.count.Load())
}

// Capacity returns the configured capacity (one more than the usable slots)
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Free returns the number of pushes that would currently succeed
func (r *Ring[T]) Free() int {
	return r.capacity - 1 - r.Size()
}
