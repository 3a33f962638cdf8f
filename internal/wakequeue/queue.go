// Package wakequeue multiplexes many sessions' next-wake times onto a single
// coarse timer.
//
// The queue is an array kept in ascending wake order. Dequeuing does not
// shift the array: consumed slots at the front form a dead zone that is only
// compacted once it grows past half of the live entries, and insertions reuse
// dead slots when they can. Entries with equal wake times keep their arrival
// order.
//
// Queue is not safe for concurrent use; the owner serializes access.
package wakequeue

// Sleeper is anything that can be scheduled on the queue. Entries are
// identified by value, so pointer types are the natural choice.
// A WakeAt of 0 means "not scheduled": such entries sit at the front and are
// returned by the next TryDequeue.
type Sleeper interface {
	comparable
	WakeAt() int64
}

// Queue is the delay-tolerant priority queue.
type Queue[T Sleeper] struct {
	items []T
	empty int // dead slots at the front of items
}

// New creates an empty queue.
func New[T Sleeper]() *Queue[T] {
	return &Queue[T]{}
}

// Len returns the number of live entries.
func (q *Queue[T]) Len() int {
	return len(q.items) - q.empty
}

// Cap returns the size of the backing array, dead zone included.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Enqueue inserts s after every live entry whose wake time is not later
// than its own.
func (q *Queue[T]) Enqueue(s T) {
	wake := s.WakeAt()

	// Scan backward through the live region only.
	pos := len(q.items)
	for pos > q.empty && q.items[pos-1].WakeAt() > wake {
		pos--
	}

	if q.empty > 0 {
		// Shift the live prefix one slot into the dead zone.
		copy(q.items[q.empty-1:pos-1], q.items[q.empty:pos])
		q.empty--
		q.items[pos-1] = s
		return
	}

	var zero T
	q.items = append(q.items, zero)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = s
}

// Peek returns the front live entry without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}
	return q.items[q.empty], true
}

// TryDequeue removes and returns the front entry if its wake time is not
// after now. The front entry is authoritative: if it is not due, nothing is.
func (q *Queue[T]) TryDequeue(now int64) (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}

	front := q.items[q.empty]
	if front.WakeAt() > now {
		return zero, false
	}

	q.items[q.empty] = zero
	q.empty++
	q.compact()
	return front, true
}

// Remove drops s from the queue, reporting whether it was queued.
func (q *Queue[T]) Remove(s T) bool {
	for i := q.empty; i < len(q.items); i++ {
		if q.items[i] != s {
			continue
		}
		var zero T
		copy(q.items[q.empty+1:i+1], q.items[q.empty:i])
		q.items[q.empty] = zero
		q.empty++
		q.compact()
		return true
	}
	return false
}

// Contains reports whether s is queued.
func (q *Queue[T]) Contains(s T) bool {
	for i := q.empty; i < len(q.items); i++ {
		if q.items[i] == s {
			return true
		}
	}
	return false
}

// compact slices the dead zone away once it exceeds half the live queue.
func (q *Queue[T]) compact() {
	live := q.Len()
	if live == 0 {
		clear(q.items)
		q.items = q.items[:0]
		q.empty = 0
		return
	}
	if q.empty <= live/2 {
		return
	}
	n := copy(q.items, q.items[q.empty:])
	clear(q.items[n:])
	q.items = q.items[:n]
	q.empty = 0
}
