package realtime

import "context"

const DefaultQueueCapacity = 1024

// Queue is the bounded inbound channel between event sources and the
// reducer.
type Queue struct {
	ch chan Event
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan Event, capacity)}
}

func (q *Queue) TryEnqueue(ev Event) bool {
	if q == nil || ev == nil {
		return false
	}
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Enqueue blocks until there is room or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, ev Event) bool {
	if q == nil || ev == nil {
		return false
	}
	select {
	case q.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) Dequeue(ctx context.Context) (Event, bool) {
	if q == nil {
		return nil, false
	}
	select {
	case ev := <-q.ch:
		return ev, true
	case <-ctx.Done():
		return nil, false
	}
}

func (q *Queue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *Queue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}
