// Package queue holds items waiting for a worker in strict-priority FIFO
// lanes.
//
// Policy: the highest non-empty lane always wins and insertion order is the
// only tie-break within a lane. There is no aging, so a steady stream of
// high-priority items starves lower lanes. This is intentional.
package queue

import (
	"context"
	"errors"
	"sync"
)

// Errors.
var (
	ErrClosed          = errors.New("queue is closed")
	ErrEmpty           = errors.New("queue is empty")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrDuplicate       = errors.New("item already queued")
)

type entry[T any] struct {
	id   string
	item T
}

// Queue is a set of FIFO lanes. Lane 0 has the highest priority.
type Queue[T any] struct {
	mu     sync.Mutex
	lanes  [][]entry[T]
	index  map[string]int
	closed bool
	// ready is closed and replaced whenever an item is enqueued or the
	// queue closes, waking every parked Dequeue.
	ready chan struct{}

	onChange func(lane, depth int)
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	onChange func(lane, depth int)
}

// WithDepthObserver is called with a lane's new depth after every change,
// outside the queue lock.
func WithDepthObserver(fn func(lane, depth int)) Option {
	return func(o *options) {
		o.onChange = fn
	}
}

// New creates a queue with the given number of lanes.
func New[T any](lanes int, opts ...Option) *Queue[T] {
	if lanes < 1 {
		lanes = 1
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		lanes:    make([][]entry[T], lanes),
		index:    make(map[string]int),
		ready:    make(chan struct{}),
		onChange: o.onChange,
	}
}

// Lanes returns the number of priority lanes.
func (q *Queue[T]) Lanes() int {
	return len(q.lanes)
}

// Enqueue appends item to the tail of lane priority. id must be unique among
// queued items.
func (q *Queue[T]) Enqueue(id string, item T, priority int) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if priority < 0 || priority >= len(q.lanes) {
		q.mu.Unlock()
		return ErrInvalidPriority
	}
	if _, ok := q.index[id]; ok {
		q.mu.Unlock()
		return ErrDuplicate
	}
	q.lanes[priority] = append(q.lanes[priority], entry[T]{id: id, item: item})
	q.index[id] = priority
	depth := len(q.lanes[priority])
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()

	q.notify(priority, depth)
	return nil
}

// Dequeue removes and returns the head of the highest non-empty lane,
// blocking until an item arrives, ctx is done or the queue is closed.
// Items still queued at Close are drained before ErrClosed is returned.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if item, lane, depth, ok := q.popLocked(); ok {
			q.mu.Unlock()
			q.notify(lane, depth)
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryDequeue is Dequeue without blocking. It returns ErrEmpty when nothing
// is queued.
func (q *Queue[T]) TryDequeue() (T, error) {
	q.mu.Lock()
	item, lane, depth, ok := q.popLocked()
	closed := q.closed
	q.mu.Unlock()
	if ok {
		q.notify(lane, depth)
		return item, nil
	}
	var zero T
	if closed {
		return zero, ErrClosed
	}
	return zero, ErrEmpty
}

func (q *Queue[T]) popLocked() (T, int, int, bool) {
	for p := range q.lanes {
		if len(q.lanes[p]) == 0 {
			continue
		}
		e := q.lanes[p][0]
		q.lanes[p][0] = entry[T]{}
		q.lanes[p] = q.lanes[p][1:]
		delete(q.index, e.id)
		return e.item, p, len(q.lanes[p]), true
	}
	var zero T
	return zero, 0, 0, false
}

// Remove deletes a queued item by id. It reports whether the item was
// queued.
func (q *Queue[T]) Remove(id string) bool {
	q.mu.Lock()
	p, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	lane := q.lanes[p]
	for i := range lane {
		if lane[i].id == id {
			q.lanes[p] = append(lane[:i], lane[i+1:]...)
			break
		}
	}
	delete(q.index, id)
	depth := len(q.lanes[p])
	q.mu.Unlock()

	q.notify(p, depth)
	return true
}

// Contains reports whether id is queued.
func (q *Queue[T]) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// LenByPriority returns the depth of every lane.
func (q *Queue[T]) LenByPriority() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int, len(q.lanes))
	for i, l := range q.lanes {
		out[i] = len(l)
	}
	return out
}

// Close stops accepting items and wakes every waiter. Queued items can
// still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}

func (q *Queue[T]) notify(lane, depth int) {
	if q.onChange != nil {
		q.onChange(lane, depth)
	}
}
