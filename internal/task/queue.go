// Package task implements the task lifecycle: planning, safety gating,
// approval, queueing, and dispatch to agents.
package task

import (
	"container/heap"
	"sort"
	"sync"

	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// queueItem is one entry in the priority heap. seq preserves FIFO order
// within a priority class.
type queueItem struct {
	task  *v1.Task
	seq   uint64
	index int
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a priority queue of ready tasks: priority descending, FIFO
// within one priority.
type Queue struct {
	mu      sync.Mutex
	heap    taskHeap
	byID    map[string]*queueItem
	nextSeq uint64
	maxSize int
}

// NewQueue creates a queue. maxSize <= 0 means unbounded.
func NewQueue(maxSize int) *Queue {
	q := &Queue{
		byID:    make(map[string]*queueItem),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Push enqueues a task. Returns false when the queue is full or the task is
// already queued.
func (q *Queue) Push(t *v1.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return false
	}
	if _, dup := q.byID[t.ID]; dup {
		return false
	}

	item := &queueItem{task: t, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, item)
	q.byID[t.ID] = item
	return true
}

// Pop removes and returns the highest-priority task, or nil when empty.
func (q *Queue) Pop() *v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.byID, item.task.ID)
	return item.task
}

// Remove drops a task from the queue by id.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, id)
	return true
}

// Snapshot returns the queued tasks in dispatch order without draining.
func (q *Queue) Snapshot() []*v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	type entry struct {
		task     *v1.Task
		priority int
		seq      uint64
	}
	entries := make([]entry, 0, len(q.heap))
	for _, item := range q.heap {
		entries = append(entries, entry{item.task, item.task.Priority, item.seq})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]*v1.Task, len(entries))
	for i, e := range entries {
		out[i] = e.task
	}
	return out
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Contains reports whether the task is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}
