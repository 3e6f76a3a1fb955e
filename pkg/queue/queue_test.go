package queue

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerQueueOrdersByCheckpoint(t *testing.T) {
	tests := []struct {
		name        string
		checkpoints []uint64
		expected    []uint64
	}{
		{
			name:        "already sorted",
			checkpoints: []uint64{1, 2, 3},
			expected:    []uint64{1, 2, 3},
		},
		{
			name:        "reverse order",
			checkpoints: []uint64{9, 7, 5, 3, 1},
			expected:    []uint64{1, 3, 5, 7, 9},
		},
		{
			name:        "interleaved",
			checkpoints: []uint64{5, 1, 3},
			expected:    []uint64{1, 3, 5},
		},
		{
			name:        "duplicate checkpoints do not crash",
			checkpoints: []uint64{4, 4, 2},
			expected:    []uint64{2, 4, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewWorkerQueue(100)
			for i, cp := range tt.checkpoints {
				q.Enqueue(Item{Checkpoint: cp, BlobRef: fmt.Sprintf("blob-%d", i)})
			}

			var got []uint64
			for {
				item := q.Dequeue()
				if item == nil {
					break
				}
				got = append(got, item.Checkpoint)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestWorkerQueueOrdersRandomEnqueues(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := NewWorkerQueue(1000)
	for i := 0; i < 500; i++ {
		q.Enqueue(Item{Checkpoint: uint64(rng.Intn(10000))})
	}

	var prev uint64
	count := 0
	for {
		item := q.Dequeue()
		if item == nil {
			break
		}
		require.GreaterOrEqual(t, item.Checkpoint, prev, "dequeue order must be non-decreasing")
		prev = item.Checkpoint
		count++
	}
	assert.Equal(t, 500, count)
}

func TestWorkerQueueDequeueCap(t *testing.T) {
	q := NewWorkerQueue(3)
	for cp := uint64(1); cp <= 5; cp++ {
		q.Enqueue(Item{Checkpoint: cp})
	}

	for i := 0; i < 3; i++ {
		require.NotNil(t, q.Dequeue())
	}

	// Cap reached: nothing more comes out of this instance.
	assert.Nil(t, q.Dequeue())

	// Even items enqueued after the cap stay stuck.
	q.Enqueue(Item{Checkpoint: 99})
	assert.Nil(t, q.Dequeue())

	// The pending count still reflects what was never drained.
	assert.Equal(t, 3, q.Len())
}

func TestWorkerQueueResetRestoresBudget(t *testing.T) {
	q := NewWorkerQueue(2)
	for cp := uint64(1); cp <= 4; cp++ {
		q.Enqueue(Item{Checkpoint: cp})
	}

	require.NotNil(t, q.Dequeue())
	require.NotNil(t, q.Dequeue())
	require.Nil(t, q.Dequeue())

	q.Reset()

	first := q.Dequeue()
	require.NotNil(t, first)
	assert.Equal(t, uint64(3), first.Checkpoint, "reset must not reorder or drop pending items")
}

func TestWorkerQueueDropsDuplicatePendingBlob(t *testing.T) {
	q := NewWorkerQueue(10)
	q.Enqueue(Item{Checkpoint: 4, BlobRef: "w/4.parquet"})
	q.Enqueue(Item{Checkpoint: 4, BlobRef: "w/4.parquet"})
	assert.Equal(t, 1, q.Len(), "a rescan of a still-pending blob is a no-op")

	require.NotNil(t, q.Dequeue())
	assert.Nil(t, q.Dequeue())

	// Once drained the blob may come back, e.g. re-listed after its merge
	// never advanced the checkpoint floor.
	q.Enqueue(Item{Checkpoint: 4, BlobRef: "w/4.parquet"})
	assert.Equal(t, 1, q.Len())
}

func TestWorkerQueueDequeueEmpty(t *testing.T) {
	q := NewWorkerQueue(10)
	assert.Nil(t, q.Dequeue(), "empty queue yields nil, not an error")
	assert.Equal(t, 0, q.Len())
}

func TestWorkerQueueConcurrentEnqueue(t *testing.T) {
	const producers = 8
	const perProducer = 100

	q := NewWorkerQueue(producers * perProducer)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(seed)))
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Item{Checkpoint: uint64(rng.Intn(100000))})
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, producers*perProducer, q.Len())

	var prev uint64
	for {
		item := q.Dequeue()
		if item == nil {
			break
		}
		require.GreaterOrEqual(t, item.Checkpoint, prev)
		prev = item.Checkpoint
	}
}
