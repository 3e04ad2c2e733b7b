// Package queue provides a thread-safe bounded ring buffer used both as the
// per-partition event intake queue and as the backing store for size-capped
// histories.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned when pushing to a full queue under PolicyReject.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// OverflowPolicy selects what Push does when the buffer is at capacity.
type OverflowPolicy int

const (
	// PolicyReject refuses the new item with ErrQueueFull.
	PolicyReject OverflowPolicy = iota
	// PolicyEvictOldest drops the oldest item to make room.
	PolicyEvictOldest
)

// DefaultSize is used when a non-positive capacity is requested.
const DefaultSize = 10000

// RingBuffer is a thread-safe circular buffer.
type RingBuffer[T any] struct {
	buffer []T
	size   int
	head   int
	tail   int
	count  int
	policy OverflowPolicy
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	// Metrics (accessed atomically)
	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
	totalEvicted uint64
}

// NewRingBuffer creates a RingBuffer that rejects pushes when full.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	return NewRingBufferWithPolicy[T](size, PolicyReject)
}

// NewBoundedHistory creates a RingBuffer that evicts its oldest entry when full.
func NewBoundedHistory[T any](size int) *RingBuffer[T] {
	return NewRingBufferWithPolicy[T](size, PolicyEvictOldest)
}

// NewRingBufferWithPolicy creates a RingBuffer with the given overflow policy.
func NewRingBufferWithPolicy[T any](size int, policy OverflowPolicy) *RingBuffer[T] {
	if size <= 0 {
		size = DefaultSize
	}

	rb := &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
		policy: policy,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an item to the tail of the buffer.
func (rb *RingBuffer[T]) Push(item T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		if rb.policy == PolicyReject {
			atomic.AddUint64(&rb.totalDropped, 1)
			return ErrQueueFull
		}
		rb.popLocked()
		atomic.AddUint64(&rb.totalEvicted, 1)
	}

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)

	rb.cond.Signal()
	return nil
}

// PopBlocking removes and returns the oldest item, waiting until one is
// available. It returns ErrQueueClosed once the buffer is closed and drained.
func (rb *RingBuffer[T]) PopBlocking() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}

	if rb.count == 0 {
		var zero T
		return zero, ErrQueueClosed
	}

	item := rb.popLocked()
	atomic.AddUint64(&rb.totalPopped, 1)
	return item, nil
}

func (rb *RingBuffer[T]) popLocked() T {
	var zero T
	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero // Allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	return item
}

// Snapshot returns a copy of the buffered items, oldest first.
func (rb *RingBuffer[T]) Snapshot() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]T, rb.count)
	for i := 0; i < rb.count; i++ {
		out[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	return out
}

// Retain keeps only the items for which keep returns true, preserving order.
// It returns the number of items removed.
func (rb *RingBuffer[T]) Retain(keep func(T) bool) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	kept := make([]T, 0, rb.count)
	for i := 0; i < rb.count; i++ {
		item := rb.buffer[(rb.head+i)%rb.size]
		if keep(item) {
			kept = append(kept, item)
		}
	}

	removed := rb.count - len(kept)
	if removed == 0 {
		return 0
	}

	rb.buffer = make([]T, rb.size)
	copy(rb.buffer, kept)
	rb.head = 0
	rb.count = len(kept)
	rb.tail = rb.count % rb.size
	return removed
}

// Clear removes every item without closing the buffer.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer = make([]T, rb.size)
	rb.head, rb.tail, rb.count = 0, 0, 0
}

// Len returns the current number of items in the buffer.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

// Close closes the buffer and wakes up any waiting consumers.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns buffer statistics.
func (rb *RingBuffer[T]) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Evicted:  atomic.LoadUint64(&rb.totalEvicted),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Evicted  uint64 `json:"evicted"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
