// Package msgqueue implements the bounded priority queue that feeds
// each client's pipeline, with TTL expiry, cooperative processors,
// rate limiting and batching. Every session owns private queues;
// nothing here is shared across clients except an optional processing
// limiter.
package msgqueue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders queued messages. Critical beats High beats Normal
// beats Low; ties are FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// KindBatch marks a synthetic message wrapping several coalesced
// messages; its Payload is []*Message.
const KindBatch = "batch"

// Message is one queued unit of work. Payload is opaque to the queue.
type Message struct {
	ID        string
	Kind      string
	Payload   any
	Priority  Priority
	CreatedAt time.Time
	// ExpiresAt zero means no TTL.
	ExpiresAt time.Time
	Retries   int
}

func (m *Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

var (
	ErrQueueFull   = errors.New("msgqueue: queue full")
	ErrQueueClosed = errors.New("msgqueue: queue closed")
)

type item struct {
	msg *Message
	seq uint64
	pos int
}

// messageHeap orders by priority descending, then created-at, then
// insertion sequence so FIFO holds even within one clock tick.
type messageHeap []*item

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority > b.msg.Priority
	}
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	return a.seq < b.seq
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *messageHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a bounded priority queue with TTL expiry. Enqueue fails
// when full and nothing expired can be reclaimed; Dequeue blocks up to
// a timeout for the highest-priority live message.
type Queue struct {
	mu      sync.Mutex
	items   messageHeap
	index   map[string]*item
	maxSize int
	seq     uint64
	closed  bool

	queued   uint64
	expired  uint64
	rejected uint64

	notify chan struct{}
	done   chan struct{}
}

func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Queue{
		index:   make(map[string]*item),
		maxSize: maxSize,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue adds a message. A ttl of zero means the message never
// expires. When the queue is at capacity, expired entries are swept
// first; if none can be reclaimed the enqueue fails with ErrQueueFull.
func (q *Queue) Enqueue(kind string, payload any, prio Priority, ttl time.Duration) (string, error) {
	now := time.Now()
	msg := &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		Priority:  prio,
		CreatedAt: now,
	}
	if ttl > 0 {
		msg.ExpiresAt = now.Add(ttl)
	}
	if err := q.push(msg, now); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (q *Queue) push(msg *Message, now time.Time) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.items) >= q.maxSize {
		q.sweepLocked(now)
	}
	if len(q.items) >= q.maxSize {
		q.rejected++
		q.mu.Unlock()
		return ErrQueueFull
	}

	q.seq++
	it := &item{msg: msg, seq: q.seq}
	heap.Push(&q.items, it)
	q.index[msg.ID] = it
	q.queued++
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue returns the highest-priority non-expired message, waiting up
// to timeout for one to arrive. The second return is false on timeout
// or when the queue is closed and drained.
func (q *Queue) Dequeue(timeout time.Duration) (*Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		msg := q.popLocked(time.Now())
		remaining := len(q.items) > 0
		closed := q.closed
		q.mu.Unlock()

		if msg != nil {
			if remaining {
				q.signal()
			}
			return msg, true
		}
		if closed {
			return nil, false
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, false
		}
		timer := time.NewTimer(wait)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			return nil, false
		case <-q.done:
			timer.Stop()
		}
	}
}

// popLocked removes and returns the best live message, discarding any
// expired entries it passes over.
func (q *Queue) popLocked(now time.Time) *Message {
	for len(q.items) > 0 {
		it := heap.Pop(&q.items).(*item)
		delete(q.index, it.msg.ID)
		if it.msg.expired(now) {
			q.expired++
			continue
		}
		return it.msg
	}
	return nil
}

// sweepLocked drops every expired entry, reclaiming capacity.
func (q *Queue) sweepLocked(now time.Time) {
	for id, it := range q.index {
		if it.msg.expired(now) {
			heap.Remove(&q.items, it.pos)
			delete(q.index, id)
			q.expired++
		}
	}
}

// Remove deletes a message by id before it is dequeued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.pos)
	delete(q.index, id)
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further enqueues and wakes all waiters. Messages still
// queued remain dequeueable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// QueueStats is a point-in-time snapshot of queue-side counters.
type QueueStats struct {
	Depth    int    `json:"depth"`
	Queued   uint64 `json:"queued"`
	Expired  uint64 `json:"expired"`
	Rejected uint64 `json:"rejected"`
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:    len(q.items),
		Queued:   q.queued,
		Expired:  q.expired,
		Rejected: q.rejected,
	}
}
