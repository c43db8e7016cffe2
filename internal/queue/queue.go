// Package queue holds cities whose fetch failed so they can be retried
// opportunistically. It is bounded and keyed by city; it is not durable.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

// Task is a deferred fetch.
type Task struct {
	City       string    `json:"city"`
	Score      float64   `json:"score"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a bounded max-priority queue of unique city keys. Higher scores pop
// first; equal scores pop in enqueue order.
type Queue struct {
	mu       sync.Mutex
	items    taskHeap
	index    map[string]*item
	capacity int
	now      func() time.Time
	seq      uint64
	dropped  uint64
}

// New creates a Queue holding at most capacity tasks (default 500).
func New(capacity int, now func() time.Time) *Queue {
	if capacity <= 0 {
		capacity = 500
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{index: make(map[string]*item), capacity: capacity, now: now}
}

// Enqueue adds city with score, or raises an existing entry's score to
// max(old, new). At capacity a new city evicts the lowest-priority entry only
// if its own score is strictly higher; otherwise it is rejected. Reports
// whether the city is in the queue afterwards.
func (q *Queue) Enqueue(city string, score float64) bool {
	key := validation.NormalizeCity(city)
	if key == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.index[key]; ok {
		if score > it.task.Score {
			it.task.Score = score
			heap.Fix(&q.items, it.pos)
		}
		observability.DeferredQueueEnqueuedTotal.Inc()
		return true
	}

	if len(q.items) >= q.capacity {
		lowest := q.lowest()
		if lowest == nil || score <= lowest.task.Score {
			q.dropped++
			observability.DeferredQueueDroppedTotal.Inc()
			return false
		}
		heap.Remove(&q.items, lowest.pos)
		delete(q.index, lowest.task.City)
		q.dropped++
		observability.DeferredQueueDroppedTotal.Inc()
	}

	q.seq++
	it := &item{task: Task{City: key, Score: score, EnqueuedAt: q.now()}, seq: q.seq}
	heap.Push(&q.items, it)
	q.index[key] = it
	observability.DeferredQueueEnqueuedTotal.Inc()
	observability.DeferredQueueDepth.Set(float64(len(q.items)))
	return true
}

// PopNext removes and returns the highest-priority task.
func (q *Queue) PopNext() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Task{}, false
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.index, it.task.City)
	observability.DeferredQueueDepth.Set(float64(len(q.items)))
	return it.task, true
}

// Contains reports whether city is queued.
func (q *Queue) Contains(city string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[validation.NormalizeCity(city)]
	return ok
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many tasks were evicted or rejected at capacity.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// lowest scans for the entry that would pop last. Caller holds mu.
func (q *Queue) lowest() *item {
	var low *item
	for _, it := range q.items {
		if low == nil || q.items.less(low, it) {
			low = it
		}
	}
	return low
}

type item struct {
	task Task
	seq  uint64
	pos  int
}

type taskHeap []*item

// less reports whether a pops before b.
func (h taskHeap) less(a, b *item) bool {
	if a.task.Score != b.task.Score {
		return a.task.Score > b.task.Score
	}
	return a.seq < b.seq
}

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h.less(h[i], h[j]) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
