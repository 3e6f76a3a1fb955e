package queue

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// Registry owns one WorkerQueue per worker name, created lazily with a shared
// consumption cap. Every worker's queue is an independently synchronized unit,
// so ingestion feeds touching different workers never contend on a common
// lock.
//
// Lookups create the queue when absent, including on the read paths: probing
// the depth of a worker that has never received traffic yields zero, and
// dequeuing an unknown worker yields nil. Callers rely on that.
type Registry struct {
	queues  *xsync.Map[string, *WorkerQueue]
	maxSize int
}

// NewRegistry returns a registry whose queues all share maxSize as their
// per-instance dequeue cap.
func NewRegistry(maxSize int) *Registry {
	return &Registry{
		queues:  xsync.NewMap[string, *WorkerQueue](),
		maxSize: maxSize,
	}
}

func (r *Registry) queueFor(worker string) *WorkerQueue {
	q, _ := r.queues.LoadOrStore(worker, NewWorkerQueue(r.maxSize))
	return q
}

// Enqueue inserts an item into the worker's queue, creating it if needed.
func (r *Registry) Enqueue(worker string, item Item) {
	r.queueFor(worker).Enqueue(item)
}

// Dequeue pops the smallest-checkpoint item for the worker, or nil when the
// worker's queue is empty, capped out, or was never seen.
func (r *Registry) Dequeue(worker string) *Item {
	return r.queueFor(worker).Dequeue()
}

// Len reports the pending depth for a single worker (zero for unknown ones).
func (r *Registry) Len(worker string) int {
	return r.queueFor(worker).Len()
}

// Reset clears the worker queue's consumption budget ahead of a new
// planning pass.
func (r *Registry) Reset(worker string) {
	r.queueFor(worker).Reset()
}

// Workers lists the known worker names in no particular order.
func (r *Registry) Workers() []string {
	workers := make([]string, 0, r.queues.Size())
	r.queues.Range(func(worker string, _ *WorkerQueue) bool {
		workers = append(workers, worker)
		return true
	})
	return workers
}

// Status reports the current pending depth per worker.
func (r *Registry) Status() map[string]int {
	status := make(map[string]int, r.queues.Size())
	r.queues.Range(func(worker string, q *WorkerQueue) bool {
		status[worker] = q.Len()
		return true
	})
	return status
}
