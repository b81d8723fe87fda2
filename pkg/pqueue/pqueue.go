package pqueue

import (
	"container/heap"
	"time"
)

// Timer is a fixed-period deadline driven by the scheduling loop
type Timer struct {
	Name     string
	Period   time.Duration
	Deadline time.Time
	Fire     func()
	Fired    uint64
	index    int
}

type PriorityQueue []*Timer

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	// earliest deadline comes first
	return pq[i].Deadline.Before(pq[j].Deadline)
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	item := x.(*Timer)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

func (pq *PriorityQueue) Look(idx int) *Timer {
	if pq.Len() == 0 {
		return nil // Return nil if the queue is empty
	}
	return (*pq)[idx] // The root element is always at index 0
}

// Add schedules t to first fire one period after now.
func (pq *PriorityQueue) Add(t *Timer, now time.Time) {
	t.Deadline = now.Add(t.Period)
	heap.Push(pq, t)
}

// Until returns how long until the earliest deadline, never negative.
func (pq *PriorityQueue) Until(now time.Time) time.Duration {
	next := pq.Look(0)
	if next == nil {
		return -1
	}
	d := next.Deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// FireDue runs every timer whose deadline has passed and reschedules it one
// period from now. Each timer fires at most once per call.
func (pq *PriorityQueue) FireDue(now time.Time) int {
	fired := 0
	for pq.Len() > 0 && fired < pq.Len() {
		t := (*pq)[0]
		if t.Deadline.After(now) {
			break
		}
		t.Deadline = now.Add(t.Period)
		heap.Fix(pq, 0)
		t.Fired++
		if t.Fire != nil {
			t.Fire()
		}
		fired++
	}
	return fired
}
