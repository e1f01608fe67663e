// Package timer implements the idle-connection expiry queue: an indexed
// binary min-heap keyed by connection id.
package timer

import "time"

// NoDeadline is returned by NextDeadline when no timers are pending.
const NoDeadline time.Duration = -1

// Callback runs when an entry expires.
type Callback func()

// Clock returns the current instant.
type Clock func() time.Time

type entry struct {
	id      int
	expires time.Time
	cb      Callback
}

// ExpiryQueue maps ids to expiry instants. The heap root always holds the
// earliest expiry and index maps each id to its current heap slot.
//
// ExpiryQueue is not safe for concurrent use.
type ExpiryQueue struct {
	heap  []entry
	index map[int]int
	now   Clock
}

// Option configures an ExpiryQueue.
type Option func(*ExpiryQueue)

// WithClock replaces time.Now, mainly for tests.
func WithClock(c Clock) Option {
	return func(q *ExpiryQueue) { q.now = c }
}

// New creates an empty queue.
func New(opts ...Option) *ExpiryQueue {
	q := &ExpiryQueue{
		heap:  make([]entry, 0, 64),
		index: make(map[int]int, 64),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Len returns the number of pending entries.
func (q *ExpiryQueue) Len() int {
	return len(q.heap)
}

// Has reports whether id has a pending entry.
func (q *ExpiryQueue) Has(id int) bool {
	_, ok := q.index[id]
	return ok
}

// Add schedules cb to run timeout from now. An existing id gets its expiry
// and callback replaced.
func (q *ExpiryQueue) Add(id int, timeout time.Duration, cb Callback) {
	expires := q.now().Add(timeout)
	if i, ok := q.index[id]; ok {
		q.heap[i].cb = cb
		q.reschedule(i, expires)
		return
	}

	i := len(q.heap)
	q.heap = append(q.heap, entry{id: id, expires: expires, cb: cb})
	q.index[id] = i
	q.siftUp(i)
}

// Adjust pushes the expiry of id to timeout from now. Unknown ids are
// ignored.
func (q *ExpiryQueue) Adjust(id int, timeout time.Duration) {
	i, ok := q.index[id]
	if !ok {
		return
	}
	q.reschedule(i, q.now().Add(timeout))
}

// Cancel removes id without running its callback. It reports whether an
// entry was removed.
func (q *ExpiryQueue) Cancel(id int) bool {
	i, ok := q.index[id]
	if !ok {
		return false
	}
	q.removeAt(i)
	return true
}

// Tick runs and removes every entry whose expiry has passed, earliest
// first.
func (q *ExpiryQueue) Tick() {
	for len(q.heap) > 0 {
		root := q.heap[0]
		if root.expires.After(q.now()) {
			return
		}
		q.removeAt(0)
		if root.cb != nil {
			root.cb()
		}
	}
}

// NextDeadline ticks and then returns the time until the earliest pending
// expiry, or NoDeadline when the queue is empty.
func (q *ExpiryQueue) NextDeadline() time.Duration {
	q.Tick()
	if len(q.heap) == 0 {
		return NoDeadline
	}
	d := q.heap[0].expires.Sub(q.now())
	if d < 0 {
		d = 0
	}
	return d
}

// Clear drops all entries without running callbacks.
func (q *ExpiryQueue) Clear() {
	q.heap = q.heap[:0]
	clear(q.index)
}

// reschedule moves entry i to a new expiry. Refreshes only ever push an
// expiry later, so sifting down restores order; sifting up covers the rare
// caller that shortens a deadline.
func (q *ExpiryQueue) reschedule(i int, expires time.Time) {
	q.heap[i].expires = expires
	if !q.siftDown(i, len(q.heap)) {
		q.siftUp(i)
	}
}

// removeAt swaps slot i with the last entry, pops it, and restores order
// around i.
func (q *ExpiryQueue) removeAt(i int) {
	last := len(q.heap) - 1
	if i < last {
		q.swap(i, last)
		if !q.siftDown(i, last) {
			q.siftUp(i)
		}
	}
	delete(q.index, q.heap[last].id)
	q.heap[last] = entry{}
	q.heap = q.heap[:last]
}

func (q *ExpiryQueue) less(i, j int) bool {
	return q.heap[i].expires.Before(q.heap[j].expires)
}

func (q *ExpiryQueue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			break
		}
		q.swap(i, parent)
		i = parent
	}
}

// siftDown moves entry i toward the leaves within heap[:n] and reports
// whether it moved.
func (q *ExpiryQueue) siftDown(i, n int) bool {
	start := i
	for {
		child := 2*i + 1
		if child >= n {
			break
		}
		if right := child + 1; right < n && q.less(right, child) {
			child = right
		}
		if !q.less(child, i) {
			break
		}
		q.swap(i, child)
		i = child
	}
	return i > start
}

func (q *ExpiryQueue) swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
	q.index[q.heap[i].id] = i
	q.index[q.heap[j].id] = j
}
