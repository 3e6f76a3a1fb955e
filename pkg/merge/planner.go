package merge

import (
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/queue"
)

// Batch is an ordered plan of blobs to merge for one worker. BlobRefs are in
// checkpoint-ascending (oldest-first) order. A batch owns no data; it is
// consumed by the Merger.
type Batch struct {
	Worker   string   `json:"worker"`
	BatchID  uint64   `json:"batchId"`
	BlobRefs []string `json:"blobRefs"`

	// FirstCheckpoint and LastCheckpoint record the checkpoint range the
	// batch covers, for progress tracking.
	FirstCheckpoint uint64 `json:"firstCheckpoint"`
	LastCheckpoint  uint64 `json:"lastCheckpoint"`
}

// Planner drains bounded runs of checkpoints from the registry into batches.
// Batch ids are supplied by the caller, which persists them between planning
// passes; the planner only guarantees the blob order within a batch.
type Planner struct {
	Registry *queue.Registry
	Logger   *zap.Logger
}

// Plan drains the worker's queue until it is empty or its consumption cap is
// reached and packages the run as a single batch carrying nextBatchID.
// Returns nil when the queue yields nothing: empty plans are never emitted.
// Hitting the cap mid-drain is not an error; the remainder stays queued for
// the next pass.
func (p *Planner) Plan(worker string, nextBatchID uint64) *Batch {
	batch := &Batch{Worker: worker, BatchID: nextBatchID}

	for {
		item := p.Registry.Dequeue(worker)
		if item == nil {
			break
		}
		if len(batch.BlobRefs) == 0 {
			batch.FirstCheckpoint = item.Checkpoint
		}
		batch.LastCheckpoint = item.Checkpoint
		batch.BlobRefs = append(batch.BlobRefs, item.BlobRef)
	}

	if len(batch.BlobRefs) == 0 {
		return nil
	}

	p.Logger.Info("Planned batch",
		zap.String("worker", worker),
		zap.Uint64("batchId", nextBatchID),
		zap.Int("blobs", len(batch.BlobRefs)),
		zap.Uint64("firstCheckpoint", batch.FirstCheckpoint),
		zap.Uint64("lastCheckpoint", batch.LastCheckpoint))
	return batch
}
