package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/metrics"
)

// Queue is an unbounded FIFO of events. Any number of producers may
// enqueue concurrently; a single consumer dequeues.
type Queue struct {
	mu       sync.Mutex
	items    []*GameEvent
	closed   bool
	ready    chan struct{}
	closedCh chan struct{}

	// highWater is the depth at which a backpressure warning is logged;
	// 0 disables it.
	highWater int
	overHigh  bool
}

// NewQueue creates an empty queue.
func NewQueue(highWater int) *Queue {
	return &Queue{
		ready:     make(chan struct{}, 1),
		closedCh:  make(chan struct{}),
		highWater: highWater,
	}
}

// Enqueue appends e without blocking. It fails only after Close.
func (q *Queue) Enqueue(e *GameEvent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, e)
	depth := len(q.items)
	crossed := false
	if q.highWater > 0 {
		if depth >= q.highWater && !q.overHigh {
			q.overHigh = true
			crossed = true
		} else if depth < q.highWater/2 {
			q.overHigh = false
		}
	}
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	metrics.EventsEnqueued.WithLabelValues(e.Kind.String()).Inc()
	if crossed {
		log.Warn().
			Str("component", "queue").
			Int("depth", depth).
			Int("high_water", q.highWater).
			Msg("event queue above high-water mark, dispatch is falling behind")
	}

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes the oldest event, suspending while the queue is empty.
// It returns ErrQueueClosed once the queue is closed and drained, or the
// context error if ctx ends first.
func (q *Queue) Dequeue(ctx context.Context) (*GameEvent, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			depth := len(q.items)
			q.mu.Unlock()
			metrics.QueueDepth.Set(float64(depth))
			return e, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-q.closedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the queue from accepting new events. Events already queued
// remain available to Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.closedCh)
	}
}

// Drain removes and returns every queued event.
func (q *Queue) Drain() []*GameEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	metrics.QueueDepth.Set(0)
	return items
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
