// Package frontier holds the ids of registered papers that still need their
// references expanded.
package frontier

import (
	"context"
	"fmt"
	"sync"
)

// Queue is an unbounded FIFO with an in-flight counter. Every Push is matched
// by exactly one Done once the popped id has been handled, so the queue knows
// when the crawl has run out of work.
type Queue struct {
	mu       sync.Mutex
	items    []string
	inFlight int
	frozen   bool
	wake     chan struct{}
	drained  chan struct{}
	signaled bool
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		wake:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Push appends id and counts it as outstanding work. Pushes after Drain are
// kept for the next Drain call but are never handed to Pop.
func (q *Queue) Push(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, id)
	q.inFlight++
	if !q.frozen {
		close(q.wake)
		q.wake = make(chan struct{})
	}
}

// Pop blocks until an id is available or ctx ends. A canceled ctx wins over
// queued ids. Once the queue is frozen Pop only returns on ctx cancellation.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("frontier pop: %w", err)
		}
		q.mu.Lock()
		if !q.frozen && len(q.items) > 0 {
			id := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.mu.Unlock()
			return id, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("frontier pop: %w", ctx.Err())
		case <-wake:
		}
	}
}

// Done marks one popped id as fully handled.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.signalLocked()
}

// IsDrained reports whether nothing is queued and nothing is being handled.
func (q *Queue) IsDrained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight == 0 && len(q.items) == 0
}

// Drained returns a channel closed the first time the queue drains after Done.
func (q *Queue) Drained() <-chan struct{} {
	return q.drained
}

// Drain empties and freezes the queue, returning the pending ids in order.
// The returned ids no longer count as in flight.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.inFlight -= len(out)
	if q.inFlight < 0 {
		q.inFlight = 0
	}
	if !q.frozen {
		q.frozen = true
		// Release blocked poppers so they observe the freeze.
		close(q.wake)
		q.wake = make(chan struct{})
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// Frozen reports whether Drain has been called.
func (q *Queue) Frozen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frozen
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight returns the number of pushed ids not yet marked Done.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *Queue) signalLocked() {
	if q.signaled || q.frozen || q.inFlight != 0 || len(q.items) != 0 {
		return
	}
	q.signaled = true
	close(q.drained)
}
