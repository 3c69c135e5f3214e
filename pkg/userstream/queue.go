package userstream

import (
	"context"
	"sync/atomic"
	"time"

	"exlink/pkg/core"
)

// Policy controls what Push does when the queue is full.
type Policy struct {
	// DropOldest evicts the oldest queued event instead of waiting.
	DropOldest bool
	// Timeout bounds the wait of a blocking push; zero waits until ctx is done.
	Timeout time.Duration
}

// Queue is a bounded FIFO of events. Any number of goroutines may push; the
// channel serializes them.
type Queue struct {
	ch      chan core.Event
	pushed  atomic.Int64
	dropped atomic.Int64
	onDrop  func(core.Event)
}

type QueueOption func(*Queue)

// WithDropHandler is called for every event evicted or rejected by Push.
func WithDropHandler(fn func(core.Event)) QueueOption {
	return func(q *Queue) { q.onDrop = fn }
}

func NewQueue(size int, opts ...QueueOption) *Queue {
	if size < 1 {
		size = 1
	}
	q := &Queue{ch: make(chan core.Event, size)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) drop(ev core.Event) {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop(ev)
	}
}

// Push enqueues ev. A blocking push that times out drops ev and returns
// core.ErrQueueFull; cancellation returns ctx.Err().
func (q *Queue) Push(ctx context.Context, ev core.Event, p Policy) error {
	select {
	case q.ch <- ev:
		q.pushed.Add(1)
		return nil
	default:
	}

	if p.DropOldest {
		for {
			select {
			case q.ch <- ev:
				q.pushed.Add(1)
				return nil
			default:
			}
			select {
			case old := <-q.ch:
				q.drop(old)
			default:
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}

	var timeout <-chan time.Time
	if p.Timeout > 0 {
		t := time.NewTimer(p.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case q.ch <- ev:
		q.pushed.Add(1)
		return nil
	case <-timeout:
		q.drop(ev)
		return core.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop blocks until an event is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (core.Event, error) {
	select {
	case ev := <-q.ch:
		return ev, nil
	case <-ctx.Done():
		return core.Event{}, ctx.Err()
	}
}

// C exposes the queue for select loops.
func (q *Queue) C() <-chan core.Event { return q.ch }

func (q *Queue) Len() int       { return len(q.ch) }
func (q *Queue) Cap() int       { return cap(q.ch) }
func (q *Queue) Pushed() int64  { return q.pushed.Load() }
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
