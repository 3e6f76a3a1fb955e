package activity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/db/progress"
	"github.com/open-data-works/goldsink/pkg/merger/types"
)

// PlanBatch drains the worker's queue into a batch carrying the next
// persistent batch id. The queue's consumption budget is restored afterwards
// so the following planning pass starts fresh.
func (c *Context) PlanBatch(ctx context.Context, in types.PlanBatchInput) (types.PlanBatchOutput, error) {
	start := time.Now()

	nextID, err := c.Progress.NextBatchID(ctx, in.Worker)
	if err != nil {
		return types.PlanBatchOutput{}, err
	}

	batch := c.Planner.Plan(in.Worker, nextID)
	c.Registry.Reset(in.Worker)

	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	return types.PlanBatchOutput{Batch: batch, DurationMs: durationMs}, nil
}

// MergeBatch runs the merge protocol for one planned batch.
func (c *Context) MergeBatch(ctx context.Context, in types.MergeBatchInput) (types.MergeBatchOutput, error) {
	start := time.Now()

	result, err := c.Merger.MergeBatch(ctx, in.Batch)
	if err != nil {
		return types.MergeBatchOutput{}, err
	}

	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	return types.MergeBatchOutput{
		Rows:        result.Rows,
		Reconciled:  result.Reconciled,
		GapRecorded: result.GapRecorded,
		DurationMs:  durationMs,
	}, nil
}

// RecordMerged persists the batch in the progress store and, when events are
// enabled, announces it on the merge stream.
func (c *Context) RecordMerged(ctx context.Context, in types.RecordMergedInput) error {
	batch := in.Batch
	err := c.Progress.RecordMerged(ctx, &progress.Merged{
		Worker:          batch.Worker,
		BatchID:         batch.BatchID,
		FirstCheckpoint: batch.FirstCheckpoint,
		LastCheckpoint:  batch.LastCheckpoint,
		Rows:            in.Rows,
		Blobs:           uint32(len(batch.BlobRefs)),
		MergeTimeMs:     in.MergeTimeMs,
	})
	if err != nil {
		return err
	}

	if c.Events != nil {
		c.Events.PublishMerged(ctx, batch.Worker, batch.BatchID, batch.LastCheckpoint, in.Rows)
	}
	return nil
}

// RemoveDupes refreshes the legacy deduplicated views for every recorded
// batch of the worker.
func (c *Context) RemoveDupes(ctx context.Context, in types.RemoveDupesInput) (types.RemoveDupesOutput, error) {
	start := time.Now()

	merged, err := c.Progress.MergedBatches(ctx, in.Worker)
	if err != nil {
		return types.RemoveDupesOutput{}, err
	}
	if len(merged) == 0 {
		return types.RemoveDupesOutput{}, nil
	}

	batchIDs := make([]uint64, len(merged))
	for i, m := range merged {
		batchIDs[i] = m.BatchID
	}

	if err := c.Merger.RemoveDupes(ctx, in.Worker, batchIDs); err != nil {
		return types.RemoveDupesOutput{}, err
	}

	c.Logger.Info("Refreshed deduplicated views",
		zap.String("worker", in.Worker),
		zap.Int("batches", len(batchIDs)))

	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	return types.RemoveDupesOutput{Batches: len(batchIDs), DurationMs: durationMs}, nil
}
