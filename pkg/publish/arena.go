package publish

import (
	"container/heap"
	"sync"
	"time"
)

// task is one scheduled publish attempt for a unit: which provider in the
// fallback chain to use, how many consecutive failures that provider has
// accumulated, and when the attempt becomes eligible.
type task struct {
	unitID      string
	providerIdx int
	consecFails int
	eligibleAt  time.Time

	index int // heap bookkeeping
}

// taskHeap is a min-heap ordered by eligibility time.
type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].eligibleAt.Before(h[j].eligibleAt) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) { t := x.(*task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// arena is the non-blocking retry scheduler: tasks wait in a time-ordered
// heap instead of occupying a worker that sleeps through backoff.
type arena struct {
	mu   sync.Mutex
	heap taskHeap
	wake chan struct{}
}

func newArena() *arena {
	a := &arena{wake: make(chan struct{}, 1)}
	heap.Init(&a.heap)
	return a
}

// add schedules a task and wakes the dispatcher.
func (a *arena) add(t *task) {
	a.mu.Lock()
	heap.Push(&a.heap, t)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// popEligible removes and returns the next task whose time has come, plus
// the wait until the earliest pending task when none is eligible yet.
func (a *arena) popEligible(now time.Time) (*task, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.heap.Len() == 0 {
		return nil, 0
	}
	next := a.heap[0]
	if next.eligibleAt.After(now) {
		return nil, next.eligibleAt.Sub(now)
	}
	return heap.Pop(&a.heap).(*task), 0
}

// pending returns the number of scheduled tasks.
func (a *arena) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heap.Len()
}
