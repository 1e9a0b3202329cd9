package scheduler

import (
	"container/heap"
	"time"

	"github.com/drew-sinha/rpc-scope/internal/model"
)

// Entry is a pending revisit.
type Entry struct {
	Position model.Position
	// Coords is where to revisit; z is the focus chosen on the previous visit.
	Coords     model.Coords
	EligibleAt time.Time
	VisitsDone int

	seq uint64
}

// Queue orders revisits by EligibleAt. Entries with equal EligibleAt come
// out in insertion order.
type Queue struct {
	maxVisits int
	items     entryHeap
	next      uint64
}

func NewQueue(maxVisits int) *Queue {
	return &Queue{maxVisits: maxVisits}
}

// Enqueue adds e unless its position has already had every visit, in which
// case e is discarded and false is returned.
func (q *Queue) Enqueue(e Entry) bool {
	if e.VisitsDone >= q.maxVisits {
		return false
	}
	e.seq = q.next
	q.next++
	heap.Push(&q.items, e)
	return true
}

// Peek returns the earliest entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	if len(q.items) == 0 {
		return Entry{}, false
	}
	return q.items[0], true
}

// PeekDue reports whether the earliest entry is eligible at now.
func (q *Queue) PeekDue(now time.Time) bool {
	e, ok := q.Peek()
	return ok && !now.Before(e.EligibleAt)
}

func (q *Queue) Pop() (Entry, bool) {
	if len(q.items) == 0 {
		return Entry{}, false
	}
	return heap.Pop(&q.items).(Entry), true
}

// PopDue pops the earliest entry only if it is eligible at now.
func (q *Queue) PopDue(now time.Time) (Entry, bool) {
	if !q.PeekDue(now) {
		return Entry{}, false
	}
	return q.Pop()
}

func (q *Queue) Len() int    { return len(q.items) }
func (q *Queue) Empty() bool { return len(q.items) == 0 }

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].EligibleAt.Equal(h[j].EligibleAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].EligibleAt.Before(h[j].EligibleAt)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
