package queue

import (
	"container/heap"
	"sync"

	"taskd/internal/task"
)

// PriorityQueue holds pending tasks ordered by priority band, then earliest
// created_at within a band. It is safe for concurrent use; operations are
// O(log n).
//
// Only PENDING tasks belong in the queue; the scheduler removes a task before
// transitioning it to RUNNING.
type PriorityQueue struct {
	mu    sync.Mutex
	h     itemHeap
	byID  map[string]*item
	seq   uint64
	depth [task.NumPriorities]int
}

type item struct {
	t *task.Task
	// seq is a monotonic enqueue counter; it breaks created_at ties within a
	// priority band so equal-priority tasks dispatch in submission order.
	seq uint64
	idx int
}

func New() *PriorityQueue {
	return &PriorityQueue{byID: map[string]*item{}}
}

// Push inserts a pending task. A task already present (same ID) is ignored.
func (q *PriorityQueue) Push(t *task.Task) {
	if t == nil || t.ID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[t.ID]; ok {
		return
	}
	q.seq++
	it := &item{t: t, seq: q.seq}
	q.byID[t.ID] = it
	heap.Push(&q.h, it)
	if t.Priority.Valid() {
		q.depth[t.Priority]++
	}
}

// Pop removes and returns the highest-priority task with the earliest
// created_at, or nil if the queue is empty.
func (q *PriorityQueue) Pop() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.h).(*item)
	delete(q.byID, it.t.ID)
	if it.t.Priority.Valid() {
		q.depth[it.t.Priority]--
	}
	return it.t
}

// Peek returns the task Pop would return without removing it.
func (q *PriorityQueue) Peek() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0].t
}

// Take removes and returns a still-pending task by ID, or nil when the ID is
// absent (never enqueued, or already dispatched).
func (q *PriorityQueue) Take(id string) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.h, it.idx)
	delete(q.byID, id)
	if it.t.Priority.Valid() {
		q.depth[it.t.Priority]--
	}
	return it.t
}

// Remove deletes a still-pending task by ID. It is idempotent: removing an
// absent ID is a no-op returning false.
func (q *PriorityQueue) Remove(id string) bool {
	return q.Take(id) != nil
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Depths returns the number of pending tasks per priority band.
func (q *PriorityQueue) Depths() [task.NumPriorities]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// ---- heap internals ----

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.t.Priority != b.t.Priority {
		return a.t.Priority < b.t.Priority
	}
	// Within a band, earliest created_at wins so a retried task re-enters
	// ahead of work submitted after it. The enqueue counter only settles
	// exact created_at ties.
	if !a.t.CreatedAt.Equal(b.t.CreatedAt) {
		return a.t.CreatedAt.Before(b.t.CreatedAt)
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.idx = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
