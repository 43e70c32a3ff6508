package session

import (
	"sync"
	"sync/atomic"
)

const defaultQueueLimit = 4096

// Notifier is what network loops post to. Post must never block.
type Notifier interface {
	Post(Event)
}

// Discard drops every event.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Post(Event) {}

// Queue hands events from network loops to the frame loop. Writers call Post,
// the frame loop calls Drain once per tick.
type Queue struct {
	mu      sync.Mutex
	pending []Event
	limit   int
	ready   chan struct{}
	dropped atomic.Uint64
}

func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &Queue{
		pending: make([]Event, 0, 16),
		limit:   limit,
		ready:   make(chan struct{}, 1),
	}
}

// Post appends e. If the frame loop has fallen behind by more than the limit
// the event is dropped and counted.
func (q *Queue) Post(e Event) {
	q.mu.Lock()
	if len(q.pending) >= q.limit {
		q.mu.Unlock()
		q.dropped.Add(1)
		return
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain returns everything posted since the last Drain, oldest first.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = make([]Event, 0, cap(out))
	return out
}

// Ready fires after a Post; useful for consumers that block between ticks.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
