package agent

import (
	"container/heap"

	"github.com/ashureev/codetutor/internal/domain"
)

// pendingEvent is a queued event plus the channel a synchronous chat caller
// waits on, if any.
type pendingEvent struct {
	event domain.Event
	reply chan DrainResult
}

// eventHeap orders by priority descending, then insertion sequence ascending.
// Popping repeatedly gives the same order as a stable sort by priority that is
// redone before every pop.
type eventHeap []*pendingEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].event.Priority != h[j].event.Priority {
		return h[i].event.Priority > h[j].event.Priority
	}
	return h[i].event.Seq < h[j].event.Seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*pendingEvent)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// eventQueue is a priority queue of pending events. Not safe for concurrent
// use; the owning Session serializes access.
type eventQueue struct {
	items eventHeap
	seq   uint64
}

func (q *eventQueue) push(p *pendingEvent) {
	q.seq++
	p.event.Seq = q.seq
	heap.Push(&q.items, p)
}

func (q *eventQueue) pop() (*pendingEvent, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*pendingEvent), true
}

func (q *eventQueue) len() int { return len(q.items) }
