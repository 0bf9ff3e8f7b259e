package util

import (
	"sync/atomic"
)

// --------------------------------------------------------------------------
// LockFreeMPSC
// --------------------------------------------------------------------------

// LockFreeMPSC is an unbounded queue with many producers and one consumer.
//
// Producers never block: Push swaps itself in as the new tail and links the
// previous tail afterwards. A goroutine owned by the queue walks the list and
// hands values to the channel returned by Recv, so the consumer can select on
// it next to a timer. Values pushed before Close are still delivered, then
// Recv is closed.
//
// The segment cache uses it to report memory pressure from the write path to
// its background loop.
type LockFreeMPSC[T any] struct {
	head   *node[T] // owned by the forwarding goroutine
	tail   atomic.Pointer[node[T]]
	wake   chan struct{}
	out    chan T
	closed atomic.Bool
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// NewLockFreeMPSC creates a queue and starts its forwarding goroutine.
// The goroutine exits after Close once every value was received.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	stub := &node[T]{}
	q := &LockFreeMPSC[T]{
		head: stub,
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	q.tail.Store(stub)
	go q.forward()
	return q
}

// Push appends v and reports whether the queue accepted it.
// After Close, Push drops v and returns false.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(v T) bool {
	if q.closed.Load() {
		return false
	}
	n := &node[T]{value: v}
	prev := q.tail.Swap(n)
	// between the swap and this store the list is briefly cut; the forwarder
	// waits for the wakeup below in that case
	prev.next.Store(n)
	q.notify()
	return true
}

// Recv returns the channel values are delivered on. It is closed after Close
// once the queue ran empty.
func (q *LockFreeMPSC[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting values. Safe to call more than once.
func (q *LockFreeMPSC[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		q.notify()
	}
}

// notify wakes the forwarder. The one slot buffer keeps a wakeup that arrives
// while the forwarder is busy.
func (q *LockFreeMPSC[T]) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *LockFreeMPSC[T]) forward() {
	defer close(q.out)

	var zero T
	for {
		for next := q.head.next.Load(); next != nil; next = q.head.next.Load() {
			v := next.value
			next.value = zero
			q.head = next
			q.out <- v
		}
		if q.closed.Load() && q.tail.Load() == q.head {
			return
		}
		<-q.wake
	}
}
