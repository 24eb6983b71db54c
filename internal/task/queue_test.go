package task

import (
	"fmt"
	"testing"

	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

func qt(id string, priority int) *v1.Task {
	return &v1.Task{ID: id, Priority: priority}
}

func TestQueuePriorityOrder(t *testing.T) {
	q := NewQueue(0)
	q.Push(qt("low", 1))
	q.Push(qt("high", 9))
	q.Push(qt("mid", 5))

	want := []string{"high", "mid", "low"}
	for _, id := range want {
		got := q.Pop()
		if got == nil || got.ID != id {
			t.Fatalf("expected %s, got %+v", id, got)
		}
	}
	if q.Pop() != nil {
		t.Fatal("queue should be empty")
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < 5; i++ {
		q.Push(qt(fmt.Sprintf("t%d", i), 5))
	}
	for i := 0; i < 5; i++ {
		got := q.Pop()
		if got.ID != fmt.Sprintf("t%d", i) {
			t.Fatalf("position %d: got %s", i, got.ID)
		}
	}
}

func TestQueueSnapshotMatchesPopOrder(t *testing.T) {
	q := NewQueue(0)
	q.Push(qt("a", 3))
	q.Push(qt("b", 7))
	q.Push(qt("c", 3))
	q.Push(qt("d", 7))

	snap := q.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	for i, s := range snap {
		got := q.Pop()
		if got.ID != s.ID {
			t.Fatalf("position %d: snapshot says %s, pop says %s", i, s.ID, got.ID)
		}
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue(0)
	q.Push(qt("a", 5))
	q.Push(qt("b", 5))
	q.Push(qt("c", 5))

	if !q.Remove("b") {
		t.Fatal("remove should succeed")
	}
	if q.Remove("b") {
		t.Fatal("second remove should fail")
	}
	if q.Contains("b") {
		t.Fatal("b should be gone")
	}
	if got := q.Pop(); got.ID != "a" {
		t.Fatalf("got %s", got.ID)
	}
	if got := q.Pop(); got.ID != "c" {
		t.Fatalf("got %s", got.ID)
	}
}

func TestQueueBoundedAndDupes(t *testing.T) {
	q := NewQueue(2)
	if !q.Push(qt("a", 5)) || !q.Push(qt("b", 5)) {
		t.Fatal("pushes within capacity should succeed")
	}
	if q.Push(qt("c", 5)) {
		t.Fatal("push over capacity should fail")
	}
	q.Pop()
	if q.Push(qt("b", 5)) {
		t.Fatal("duplicate id should be rejected")
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d", q.Len())
	}
}
