package queue

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"taskd/internal/task"
)

func mkTask(id string, p task.Priority) *task.Task {
	return &task.Task{ID: id, Priority: p, Status: task.StatusPending}
}

func TestPopOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	q := New()

	// Interleave bands on purpose; within a band, insertion order must hold.
	q.Push(mkTask("batch-0", task.PriorityBatch))
	q.Push(mkTask("low-0", task.PriorityLow))
	q.Push(mkTask("med-0", task.PriorityMedium))
	q.Push(mkTask("batch-1", task.PriorityBatch))
	q.Push(mkTask("crit-0", task.PriorityCritical))
	q.Push(mkTask("med-1", task.PriorityMedium))
	q.Push(mkTask("high-0", task.PriorityHigh))
	q.Push(mkTask("crit-1", task.PriorityCritical))

	want := []string{"crit-0", "crit-1", "high-0", "med-0", "med-1", "low-0", "batch-0", "batch-1"}
	for i, id := range want {
		got := q.Pop()
		if got == nil || got.ID != id {
			t.Fatalf("pop %d = %v, want %s", i, got, id)
		}
	}
	if q.Pop() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestCriticalJumpsDeepBatchBacklog(t *testing.T) {
	t.Parallel()
	q := New()
	for i := 0; i < 50; i++ {
		q.Push(mkTask(fmt.Sprintf("batch-%d", i), task.PriorityBatch))
	}
	q.Push(mkTask("critical", task.PriorityCritical))

	if got := q.Pop(); got.ID != "critical" {
		t.Fatalf("first pop = %s, want critical", got.ID)
	}
	for i := 0; i < 50; i++ {
		want := fmt.Sprintf("batch-%d", i)
		if got := q.Pop(); got.ID != want {
			t.Fatalf("pop = %s, want %s", got.ID, want)
		}
	}
}

func TestFIFOWithinBandRandomized(t *testing.T) {
	t.Parallel()
	q := New()
	rng := rand.New(rand.NewSource(42))

	nextSeq := make([]int, task.NumPriorities)
	for i := 0; i < 500; i++ {
		p := task.Priority(rng.Intn(task.NumPriorities))
		q.Push(mkTask(fmt.Sprintf("p%d-%d", p, nextSeq[p]), p))
		nextSeq[p]++
	}

	popSeq := make([]int, task.NumPriorities)
	last := task.PriorityCritical
	for got := q.Pop(); got != nil; got = q.Pop() {
		if got.Priority < last {
			t.Fatalf("priority went backwards: %v after %v", got.Priority, last)
		}
		last = got.Priority
		want := fmt.Sprintf("p%d-%d", got.Priority, popSeq[got.Priority])
		if got.ID != want {
			t.Fatalf("band %v out of order: got %s, want %s", got.Priority, got.ID, want)
		}
		popSeq[got.Priority]++
	}
}

func TestRetriedTaskKeepsPlaceInBand(t *testing.T) {
	t.Parallel()
	q := New()

	old := mkTask("old", task.PriorityMedium)
	old.CreatedAt = time.Now().Add(-time.Hour)
	newer := mkTask("newer", task.PriorityMedium)
	newer.CreatedAt = time.Now()

	// A failed attempt removes the task and pushes it back; its created_at
	// must keep it ahead of work submitted while it was running.
	q.Push(old)
	if got := q.Pop(); got.ID != "old" {
		t.Fatalf("first pop = %s, want old", got.ID)
	}
	q.Push(newer)
	q.Push(old)

	if got := q.Pop(); got.ID != "old" {
		t.Fatalf("pop after requeue = %s, want old", got.ID)
	}
	if got := q.Pop(); got.ID != "newer" {
		t.Fatalf("final pop = %s, want newer", got.ID)
	}
}

func TestTakeAndRemoveIdempotent(t *testing.T) {
	t.Parallel()
	q := New()
	q.Push(mkTask("a", task.PriorityMedium))
	q.Push(mkTask("b", task.PriorityMedium))

	if got := q.Take("a"); got == nil || got.ID != "a" {
		t.Fatalf("Take(a) = %v", got)
	}
	if got := q.Take("a"); got != nil {
		t.Fatal("second Take(a) must return nil")
	}
	if q.Remove("missing") {
		t.Fatal("Remove of unknown id must return false")
	}
	if !q.Remove("b") {
		t.Fatal("Remove(b) must return true")
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

func TestDuplicatePushIgnored(t *testing.T) {
	t.Parallel()
	q := New()
	tk := mkTask("dup", task.PriorityHigh)
	q.Push(tk)
	q.Push(tk)
	q.Push(mkTask("dup", task.PriorityLow))
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}

func TestDepths(t *testing.T) {
	t.Parallel()
	q := New()
	q.Push(mkTask("c", task.PriorityCritical))
	q.Push(mkTask("b1", task.PriorityBatch))
	q.Push(mkTask("b2", task.PriorityBatch))

	d := q.Depths()
	if d[task.PriorityCritical] != 1 || d[task.PriorityBatch] != 2 {
		t.Fatalf("Depths = %v", d)
	}
	q.Pop()
	d = q.Depths()
	if d[task.PriorityCritical] != 0 {
		t.Fatalf("Depths after pop = %v", d)
	}
}
