// Package queue provides the bounded priority queue that sits between the
// interceptor and the record sinks.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/HakAl/llmtap/internal/record"
)

// Priority decides which records survive when the queue is full.
type Priority int

const (
	PriorityLow    Priority = iota + 1 // degraded records (tee failures, abandoned streams)
	PriorityMedium                     // successful calls
	PriorityHigh                       // failed calls
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// PriorityFor classifies a record.
func PriorityFor(rec *record.Interaction) Priority {
	if rec.Status == record.StatusError {
		return PriorityHigh
	}
	for _, key := range []string{"tee_failed", "stream_abandoned", "incomplete"} {
		if v, _ := rec.Metadata[key].(bool); v {
			return PriorityLow
		}
	}
	return PriorityMedium
}

// Item is a queued record.
type Item struct {
	Record   *record.Interaction
	Priority Priority
	Enqueued time.Time

	seq   uint64
	index int
}

// Stats holds queue statistics.
type Stats struct {
	Size        int
	HighCount   int
	MediumCount int
	LowCount    int
	DropsTotal  uint64
	DropsHigh   uint64
}

// Queue is a bounded priority queue. When full, the lowest-priority oldest
// item is evicted to make room, unless the incoming item ranks lower still,
// in which case the incoming item is dropped.
type Queue struct {
	mu         sync.Mutex
	items      priorityHeap
	maxSize    int
	seq        uint64
	dropsTotal uint64
	dropsHigh  uint64

	notifyCh chan struct{}
	closeCh  chan struct{}
	closed   bool
}

// NewQueue creates a queue holding at most maxSize items.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1
	}
	q := &Queue{
		items:    make(priorityHeap, 0, maxSize),
		maxSize:  maxSize,
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	heap.Init(&q.items)
	return q
}

// Push enqueues rec with the priority PriorityFor assigns. It returns the
// item that was dropped to make room, which may be rec's own item, or nil.
func (q *Queue) Push(rec *record.Interaction) *Item {
	return q.PushItem(&Item{Record: rec, Priority: PriorityFor(rec)})
}

// PushItem enqueues an item. Pushing to a closed queue drops the item.
func (q *Queue) PushItem(item *Item) (dropped *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.countDrop(item)
		return item
	}

	if item.Enqueued.IsZero() {
		item.Enqueued = time.Now()
	}
	q.seq++
	item.seq = q.seq

	if len(q.items) >= q.maxSize {
		victim := q.evictionCandidate()
		if victim < 0 || q.items[victim].Priority > item.Priority {
			q.countDrop(item)
			return item
		}
		dropped = heap.Remove(&q.items, victim).(*Item)
		q.countDrop(dropped)
	}

	heap.Push(&q.items, item)

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
	return dropped
}

func (q *Queue) countDrop(item *Item) {
	q.dropsTotal++
	if item.Priority >= PriorityHigh {
		q.dropsHigh++
	}
}

// evictionCandidate returns the index of the lowest-priority, oldest item.
func (q *Queue) evictionCandidate() int {
	idx := -1
	for i, item := range q.items {
		if idx == -1 {
			idx = i
			continue
		}
		best := q.items[idx]
		if item.Priority < best.Priority || (item.Priority == best.Priority && item.seq < best.seq) {
			idx = i
		}
	}
	return idx
}

// Pop removes and returns the highest-priority item, or nil.
func (q *Queue) Pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Item)
}

// PopBatch removes and returns up to n items in priority order.
func (q *Queue) PopBatch(n int) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}

	count := min(n, len(q.items))
	result := make([]*Item, count)
	for i := range count {
		result[i] = heap.Pop(&q.items).(*Item)
	}
	return result
}

// Len returns the current queue size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Size:       len(q.items),
		DropsTotal: q.dropsTotal,
		DropsHigh:  q.dropsHigh,
	}
	for _, item := range q.items {
		switch item.Priority {
		case PriorityHigh:
			stats.HighCount++
		case PriorityMedium:
			stats.MediumCount++
		case PriorityLow:
			stats.LowCount++
		}
	}
	return stats
}

// FillPercent returns the current fill percentage (0-100).
func (q *Queue) FillPercent() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.items)) / float64(q.maxSize) * 100
}

// NotifyCh receives a value after items are added.
func (q *Queue) NotifyCh() <-chan struct{} {
	return q.notifyCh
}

// Close closes the queue. Items already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.closeCh)
	}
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.closeCh
}

// Wait blocks until an item is added, the context is cancelled or the queue
// is closed. It returns true only in the first case.
func (q *Queue) Wait(ctx context.Context) bool {
	select {
	case <-q.closeCh:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-q.closeCh:
		return false
	case <-q.notifyCh:
		return true
	}
}

// priorityHeap orders by priority, then FIFO.
type priorityHeap []*Item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
