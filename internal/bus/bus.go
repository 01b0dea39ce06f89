// Package bus provides the bounded event queue joining the process output
// and chat ingress producers to the rule engine consumer.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/craftbridge/craftbridge/internal/domain"
)

// DefaultCapacity bounds the queue. A server log flood must not stall the
// producers, so an over-full queue drops its oldest events instead of
// blocking (the drop counter records how many).
const DefaultCapacity = 1024

// Queue is a bounded drop-oldest event queue. Publish never blocks.
type Queue struct {
	mu      sync.Mutex
	ch      chan domain.LogEvent
	dropped atomic.Uint64
}

// NewQueue creates a queue with the given capacity (<=0 uses the default).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan domain.LogEvent, capacity)}
}

// Publish enqueues an event, evicting the oldest when full.
func (q *Queue) Publish(ev domain.LogEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case q.ch <- ev:
		return
	default:
	}
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- ev:
	default:
	}
}

// Events returns the consumer side of the queue.
func (q *Queue) Events() <-chan domain.LogEvent {
	return q.ch
}

// Dropped reports how many events were evicted under load.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
