package queue

import (
	"container/heap"
	"sync"
)

// WorkerQueue is a priority queue of checkpoint items for a single worker,
// ordered by checkpoint ascending. A queue instance also carries a hard
// consumption budget: once maxSize items have been dequeued over its lifetime,
// Dequeue returns nil forever, no matter how many items are still pending.
// One queue instance therefore corresponds to exactly one bounded planning
// pass; callers reset (or recreate) the queue to plan the next pass.
//
// All methods are safe for concurrent use; enqueues from multiple feeds may
// interleave with a drain.
type WorkerQueue struct {
	mu       sync.Mutex
	items    itemHeap
	pending  map[string]struct{}
	dequeues int
	maxSize  int
}

// NewWorkerQueue returns an empty queue with the given consumption cap.
func NewWorkerQueue(maxSize int) *WorkerQueue {
	return &WorkerQueue{
		maxSize: maxSize,
		pending: make(map[string]struct{}),
	}
}

// Enqueue inserts an item in O(log n). An item whose blob is already pending
// is dropped, so overlapping bucket scans never queue the same blob twice.
func (q *WorkerQueue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.BlobRef != "" {
		if _, dup := q.pending[item.BlobRef]; dup {
			return
		}
		q.pending[item.BlobRef] = struct{}{}
	}
	heap.Push(&q.items, item)
}

// Dequeue removes and returns the item with the smallest checkpoint, or nil
// when the queue is empty or the consumption cap has been reached. An empty
// queue is not an error.
func (q *WorkerQueue) Dequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dequeues > q.maxSize-1 {
		return nil
	}
	if q.items.Len() == 0 {
		return nil
	}

	item := heap.Pop(&q.items).(Item)
	delete(q.pending, item.BlobRef)
	q.dequeues++
	return &item
}

// Len reports the number of pending items. The consumption cap is not
// reflected here; a capped-out queue can still report a non-zero length.
func (q *WorkerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Reset clears the consumption budget so the queue can serve another
// planning pass over whatever items remain.
func (q *WorkerQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dequeues = 0
}

// itemHeap implements heap.Interface over checkpoint items.
type itemHeap []Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(Item))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
