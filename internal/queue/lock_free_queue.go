package queue

import "sync/atomic"

// itemNode represents a node in the lock free queue.
type itemNode[T any] struct {
	value T
	next  atomic.Pointer[itemNode[T]]
}

// lockFreeQueue is a lock-free, concurrent queue implementation after
// Michael & Scott. Enqueue and Dequeue never block, so producers on hot
// paths cannot stall each other.
//
// It implements the Queue interface.
type lockFreeQueue[T any] struct {
	head   atomic.Pointer[itemNode[T]]
	tail   atomic.Pointer[itemNode[T]]
	length atomic.Int32
}

var _ Queue[any] = (*lockFreeQueue[any])(nil)

// NewLockFreeQueue creates a new lockFreeQueue and returns it as a Queue
// interface.
func NewLockFreeQueue[T any]() Queue[T] {
	q := &lockFreeQueue[T]{}
	sentinel := &itemNode[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	return q
}

// Reset drops all queued items. It must not run concurrently with Enqueue;
// it is meant for teardown after the producers stopped.
func (q *lockFreeQueue[T]) Reset() {
	sentinel := &itemNode[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	q.length.Store(0)
}

// Enqueue adds an item to the tail of the queue.
func (q *lockFreeQueue[T]) Enqueue(item T) {
	n := &itemNode[T]{value: item}

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		// are tail and next consistent?
		if tail != q.tail.Load() {
			continue
		}

		if next != nil {
			// tail was not pointing to the last node, try to advance it
			q.tail.CompareAndSwap(tail, next)
			continue
		}

		// try to link the node at the end of the linked list
		if tail.next.CompareAndSwap(nil, n) {
			// enqueue is done, try to swing tail to the inserted node
			q.tail.CompareAndSwap(tail, n)
			q.length.Add(1)

			return
		}
	}
}

// Dequeue removes and returns the item at the head of the queue.
// The second return value is false when the queue is empty.
func (q *lockFreeQueue[T]) Dequeue() (T, bool) {
	var zero T

	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()

		// are head, tail, and next consistent?
		if head != q.head.Load() {
			continue
		}

		// is queue empty or tail falling behind?
		if head == tail {
			if next == nil {
				return zero, false
			}
			// tail is falling behind, try to advance it
			q.tail.CompareAndSwap(tail, next)
			continue
		}

		// read value before CAS, otherwise another dequeue might free the node
		value := next.value
		if q.head.CompareAndSwap(head, next) {
			q.length.Add(-1)

			return value, true
		}
	}
}

// Peek returns the item at the head of the queue without removing it.
// The second return value is false when the queue is empty.
func (q *lockFreeQueue[T]) Peek() (T, bool) {
	var zero T

	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()

		// are head, tail, and next consistent?
		if head != q.head.Load() {
			continue
		}

		// is queue empty or tail falling behind?
		if head == tail {
			if next == nil {
				return zero, false
			}
			// tail is falling behind, try to advance it
			q.tail.CompareAndSwap(tail, next)
			continue
		}

		return next.value, true
	}
}

// IsEmpty returns true if the queue is empty, false otherwise.
func (q *lockFreeQueue[T]) IsEmpty() bool {
	return q.length.Load() == 0
}

// Length returns the number of items in the queue.
func (q *lockFreeQueue[T]) Length() int {
	return int(q.length.Load())
}
