package orchestrator

import (
	"container/heap"
	"sync"
)

// queueItem pairs a job id with its ordering keys.
type queueItem struct {
	jobID    string
	priority int
	seq      uint64
}

type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

// Higher priority first; equal priorities keep submission order.
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*queueItem)) }

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// JobQueue is the dispatcher's priority queue of pending job ids.
type JobQueue struct {
	mu      sync.Mutex
	heap    jobHeap
	members map[string]bool
	seq     uint64
}

// NewJobQueue creates an empty queue.
func NewJobQueue() *JobQueue {
	q := &JobQueue{members: make(map[string]bool)}
	heap.Init(&q.heap)
	return q
}

// Push enqueues a job id. Duplicate ids are ignored.
func (q *JobQueue) Push(jobID string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.members[jobID] {
		return
	}
	q.members[jobID] = true
	q.seq++
	heap.Push(&q.heap, &queueItem{jobID: jobID, priority: priority, seq: q.seq})
}

// Pop dequeues the highest-priority job id, or "" when empty.
func (q *JobQueue) Pop() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return ""
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.members, item.jobID)
	return item.jobID
}

// Remove drops a job id from the queue, reporting whether it was present.
func (q *JobQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.members[jobID] {
		return false
	}
	for i, item := range q.heap {
		if item.jobID == jobID {
			heap.Remove(&q.heap, i)
			break
		}
	}
	delete(q.members, jobID)
	return true
}

// Len returns the queue depth.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
