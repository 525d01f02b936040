// Package queue holds the two collections the scheduler moves entries
// between: Ready, ordered by priority, and Waiting, ordered by the time an
// entry becomes eligible again.
//
// Neither type is safe for concurrent use; the scheduler guards them.
package queue

import (
	"container/heap"
	"time"

	"tasksched/internal/task"
)

// Ready is a max-priority queue of task entries. Entries with the same
// priority come out in the order they were pushed.
type Ready struct {
	items readyHeap
	seqNo uint64
}

func NewReady() *Ready {
	q := &Ready{}
	heap.Init(&q.items)
	return q
}

// Push admits t.
func (q *Ready) Push(t *task.Task) {
	heap.Push(&q.items, readyItem{task: t, seqNo: q.seqNo})
	q.seqNo++
}

// Pop removes and returns the highest priority entry, or nil when empty.
func (q *Ready) Pop() *task.Task {
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(readyItem).task
}

func (q *Ready) Len() int    { return q.items.Len() }
func (q *Ready) Empty() bool { return q.items.Len() == 0 }

type readyItem struct {
	task  *task.Task
	seqNo uint64
}

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority() != b.task.Priority() {
		return a.task.Priority() > b.task.Priority()
	}
	return a.seqNo < b.seqNo
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(readyItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = readyItem{} // drop the task reference
	*h = old[:n-1]
	return it
}

// Waiting holds entries that are sitting out their interval, earliest due
// first.
type Waiting struct {
	items waitHeap
}

func NewWaiting() *Waiting {
	w := &Waiting{}
	heap.Init(&w.items)
	return w
}

// Push parks t until due.
func (w *Waiting) Push(t *task.Task, due time.Time) {
	heap.Push(&w.items, waitItem{task: t, due: due})
}

// PopDue removes and returns every entry whose due time is not after now,
// earliest first.
func (w *Waiting) PopDue(now time.Time) []*task.Task {
	var out []*task.Task
	for w.items.Len() > 0 && !w.items[0].due.After(now) {
		out = append(out, heap.Pop(&w.items).(waitItem).task)
	}
	return out
}

// NextDue returns the earliest due time; ok is false when nothing waits.
func (w *Waiting) NextDue() (due time.Time, ok bool) {
	if w.items.Len() == 0 {
		return time.Time{}, false
	}
	return w.items[0].due, true
}

func (w *Waiting) Len() int { return w.items.Len() }

type waitItem struct {
	task *task.Task
	due  time.Time
}

type waitHeap []waitItem

func (h waitHeap) Len() int           { return len(h) }
func (h waitHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h waitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *waitHeap) Push(x any) { *h = append(*h, x.(waitItem)) }

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = waitItem{}
	*h = old[:n-1]
	return it
}
