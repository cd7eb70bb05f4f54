// Package delivery fans outbound packets out to subscribed connections,
// each through its own priority queue.
package delivery

import (
	"container/heap"
	"sync"
	"time"

	"edgestream/pkg/models"
)

// Rank returns the base queue rank of a packet: lower ranks are sent
// first, so key packets lead and repair symbols trail.
func Rank(p models.Packet) float64 {
	return float64(256 - int(p.Priority))
}

type entry struct {
	packet   models.Packet
	base     float64
	rank     float64
	seq      uint64
	enqueued time.Time
}

// entryHeap orders by rank, then by arrival
type entryHeap []*entry

// Len implements heap.Interface
func (h entryHeap) Len() int { return len(h) }

// Less implements heap.Interface
func (h entryHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

// Swap implements heap.Interface
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push implements heap.Interface
func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

// Pop implements heap.Interface
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityQueue is a bounded packet queue ordered by rank with aging.
// A packet queued longer than maxAge has its rank scaled by
// 1 + age/maxAge, so stale packets fall behind fresh ones.
type PriorityQueue struct {
	mu       sync.Mutex
	entries  entryHeap
	seq      uint64
	capacity int
	maxAge   time.Duration
}

// NewPriorityQueue creates a queue holding at most capacity packets
func NewPriorityQueue(capacity int, maxAge time.Duration) *PriorityQueue {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &PriorityQueue{
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// Push queues p as of now. It returns false when the queue is full.
func (q *PriorityQueue) Push(p models.Packet, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		return false
	}
	q.seq++
	base := Rank(p)
	heap.Push(&q.entries, &entry{
		packet:   p,
		base:     base,
		rank:     base,
		seq:      q.seq,
		enqueued: now,
	})
	return true
}

// Pop removes the lowest ranked packet
func (q *PriorityQueue) Pop() (models.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return models.Packet{}, false
	}
	e := heap.Pop(&q.entries).(*entry)
	return e.packet, true
}

// Age reranks the packets queued longer than maxAge as of now and
// returns how many were reranked
func (q *PriorityQueue) Age(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	aged := 0
	for _, e := range q.entries {
		age := now.Sub(e.enqueued)
		if age <= q.maxAge {
			continue
		}
		e.rank = e.base * (1 + float64(age)/float64(q.maxAge))
		aged++
	}
	if aged > 0 {
		heap.Init(&q.entries)
	}
	return aged
}

// Len returns the number of queued packets
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
