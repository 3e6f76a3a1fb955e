package activity

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/merger/types"
)

// ScanExports lists the export bucket and enqueues every blob whose
// checkpoint is above the worker's last merged checkpoint. Re-listing is
// harmless: anything at or below the floor is filtered out, and blobs still
// queued from a previous scan are not enqueued twice.
func (c *Context) ScanExports(ctx context.Context, _ types.ScanInput) (types.ScanOutput, error) {
	start := time.Now()

	enqueued, err := c.Feed.Scan(ctx, c.Registry, c.Progress.LastCheckpoint)
	if err != nil {
		return types.ScanOutput{}, err
	}

	c.Logger.Info("Scanned export bucket",
		zap.Int("workers", len(enqueued)),
		zap.Any("enqueued", enqueued))

	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	return types.ScanOutput{Enqueued: enqueued, DurationMs: durationMs}, nil
}

// TriggerMerges starts the merge loop for every worker that has queued
// blobs. The workflow id is fixed per worker, so a worker with a merge
// already in flight is left alone.
func (c *Context) TriggerMerges(ctx context.Context, _ types.ScanInput) (int, error) {
	triggered := 0
	for _, worker := range c.Registry.Workers() {
		if c.Registry.Len(worker) == 0 {
			continue
		}

		options := client.StartWorkflowOptions{
			ID:        c.Temporal.GetMergeWorkflowId(worker),
			TaskQueue: c.Temporal.GetMergeQueue(worker),
		}
		input := types.MergeWorkerInput{Worker: worker, EmitDeduped: c.EmitDeduped}
		if _, err := c.Temporal.TClient.ExecuteWorkflow(ctx, options, types.MergeWorkerWorkflowName, input); err != nil {
			var already *serviceerror.WorkflowExecutionAlreadyStarted
			if errors.As(err, &already) {
				// Expected when the previous scan's loop is still draining.
				c.Logger.Info("Merge loop already in flight", zap.String("worker", worker))
				continue
			}
			c.Logger.Error("Failed to start merge workflow",
				zap.String("worker", worker),
				zap.Error(err))
			continue
		}
		triggered++
	}
	return triggered, nil
}
