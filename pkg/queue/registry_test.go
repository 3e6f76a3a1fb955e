package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryIsolatesWorkers(t *testing.T) {
	r := NewRegistry(10)
	r.Enqueue("transfers", Item{Checkpoint: 5, BlobRef: "t5"})
	r.Enqueue("logs", Item{Checkpoint: 1, BlobRef: "l1"})
	r.Enqueue("transfers", Item{Checkpoint: 2, BlobRef: "t2"})

	item := r.Dequeue("transfers")
	require.NotNil(t, item)
	assert.Equal(t, "t2", item.BlobRef, "dequeue must never yield another worker's items")

	item = r.Dequeue("logs")
	require.NotNil(t, item)
	assert.Equal(t, "l1", item.BlobRef)

	item = r.Dequeue("transfers")
	require.NotNil(t, item)
	assert.Equal(t, "t5", item.BlobRef)
}

func TestRegistryUnknownWorker(t *testing.T) {
	r := NewRegistry(10)

	// Create-on-read: probing a worker that never received traffic is fine.
	assert.Nil(t, r.Dequeue("never-seen"))
	assert.Equal(t, 0, r.Len("never-seen"))

	// The probe registers the worker.
	assert.Contains(t, r.Workers(), "never-seen")
}

func TestRegistryStatus(t *testing.T) {
	r := NewRegistry(10)
	r.Enqueue("transfers", Item{Checkpoint: 1})
	r.Enqueue("transfers", Item{Checkpoint: 2})
	r.Enqueue("logs", Item{Checkpoint: 7})

	status := r.Status()
	assert.Equal(t, map[string]int{"transfers": 2, "logs": 1}, status)

	r.Dequeue("transfers")
	assert.Equal(t, 1, r.Status()["transfers"])
}

func TestRegistryDropsRescannedPendingBlobs(t *testing.T) {
	r := NewRegistry(10)
	r.Enqueue("w", Item{Checkpoint: 3, BlobRef: "w/3.parquet"})
	r.Enqueue("w", Item{Checkpoint: 4, BlobRef: "w/4.parquet"})

	// A second scan listing the same blobs adds nothing.
	r.Enqueue("w", Item{Checkpoint: 3, BlobRef: "w/3.parquet"})
	r.Enqueue("w", Item{Checkpoint: 4, BlobRef: "w/4.parquet"})
	assert.Equal(t, 2, r.Len("w"))
}

func TestRegistrySharedCap(t *testing.T) {
	r := NewRegistry(1)
	r.Enqueue("a", Item{Checkpoint: 1})
	r.Enqueue("a", Item{Checkpoint: 2})
	r.Enqueue("b", Item{Checkpoint: 1})

	// Caps are per worker queue, not global.
	require.NotNil(t, r.Dequeue("a"))
	assert.Nil(t, r.Dequeue("a"))
	require.NotNil(t, r.Dequeue("b"))
}
