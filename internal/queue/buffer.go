// Package queue provides the ordered in-memory buffers used on both sides of
// the delivery channel: the outbound queue that holds events while the
// collector is unreachable, and the collector's ingest buffer.
package queue

import (
	"errors"
	"sync"
)

// ErrClosed is returned when pushing onto a closed buffer.
var ErrClosed = errors.New("queue: buffer closed")

// Buffer is a thread-safe FIFO ring buffer that doubles its capacity when it
// reaches 70% full. When a limit is set, pushing onto a full buffer evicts
// the oldest item instead of growing past the limit.
type Buffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int // 0 = unbounded
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	totalDropped  int64
	resizeCount   int
}

// NewBuffer creates a new buffer with the given initial capacity.
// A limit of zero or less means the buffer grows without bound.
func NewBuffer[T any](initialCapacity, limit int) *Buffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit < 0 {
		limit = 0
	}
	b := &Buffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push adds an item and reports the item evicted to make room, if any.
// On a closed buffer nothing is added and ErrClosed is returned.
func (b *Buffer[T]) Push(item T) (dropped T, evicted bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return dropped, false, ErrClosed
	}
	dropped, evicted = b.pushLocked(item)
	return dropped, evicted, nil
}

// PushFront puts an item back at the head of the buffer. The head is the
// oldest position, so on a full buffer the item itself is evicted.
func (b *Buffer[T]) PushFront(item T) (dropped T, evicted bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return dropped, false, ErrClosed
	}
	if b.limit > 0 && b.count >= b.limit {
		b.totalDropped++
		return item, true, nil
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.head = (b.head - 1 + b.capacity) % b.capacity
	b.buf[b.head] = item
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return dropped, false, nil
}

// pushLocked appends an item. Must be called with lock held.
func (b *Buffer[T]) pushLocked(item T) (dropped T, ok bool) {
	if b.limit > 0 && b.count >= b.limit {
		dropped = b.popLocked()
		ok = true
		b.totalDropped++
	}

	// Grow at or above 70% capacity after adding this item
	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return dropped, ok
}

// Receive removes and returns the oldest item.
// Blocks until an item is available or the buffer is closed.
// Returns the item and true, or zero value and false if closed and empty.
func (b *Buffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}

	item := b.popLocked()
	b.totalSent++
	return item, true
}

// TryReceive removes and returns the oldest item without blocking.
func (b *Buffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}

	item := b.popLocked()
	b.totalSent++
	return item, true
}

// Close closes the buffer. After closing, Push returns ErrClosed.
// Receivers get the remaining items and then the closed signal.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the current number of items in the buffer.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      b.capacity,
		Limit:         b.limit,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		TotalDropped:  b.totalDropped,
		ResizeCount:   b.resizeCount,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	Limit         int
	TotalReceived int64
	TotalSent     int64
	TotalDropped  int64
	ResizeCount   int
}

// DrainTo removes up to max items in order (0 means all).
func (b *Buffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = b.popLocked()
		b.totalSent++
	}

	return result
}

// popLocked removes the head item. Must be called with lock held and count > 0.
func (b *Buffer[T]) popLocked() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	return item
}

// grow doubles the buffer capacity. Must be called with lock held.
func (b *Buffer[T]) grow() {
	newCapacity := b.capacity * 2
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			// Contiguous: [head...tail)
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
