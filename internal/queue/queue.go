// internal/queue/queue.go
package queue

import (
	"sync"

	"github.com/signalnine/vigil/internal/metrics"
	"github.com/signalnine/vigil/internal/protocol"
)

// Queue buffers events between producers and the sender.
// Flush swaps the buffer under the lock, so every pushed event is drained
// exactly once.
type Queue struct {
	mu       sync.Mutex
	items    []protocol.Envelope
	capacity int
	dropped  int64
}

// New creates a queue holding at most capacity events
func New(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Push appends an event. Returns false when the queue is full and the event
// was dropped.
func (q *Queue) Push(e protocol.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.dropped++
		metrics.QueueDropped.Inc()
		return false
	}
	q.items = append(q.items, protocol.Envelope{Event: e})
	metrics.QueueDepth.Set(float64(len(q.items)))
	return true
}

// Flush takes everything currently queued and leaves the queue empty
func (q *Queue) Flush() []protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	metrics.QueueDepth.Set(0)
	return items
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many events were rejected because the queue was full
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
