package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/open-data-works/goldsink/pkg/merger/types"
)

// MergeWorkerWorkflow drains one worker's queue batch by batch until
// planning yields nothing. The workflow id is fixed per worker, so two merge
// loops for the same worker never run concurrently; distinct workers run in
// parallel on their own queues.
func (wc *Context) MergeWorkerWorkflow(ctx workflow.Context, in types.MergeWorkerInput) error {
	retry := &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    2 * time.Minute,
		// Unreadable blobs are usually eventual-consistency hiccups on the
		// bucket; give them room to settle before the run fails.
		MaximumAttempts: 10,
	}

	// Activities must run on the same per-worker queue the workflow was
	// scheduled to.
	info := workflow.GetInfo(ctx)
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy:         retry,
		TaskQueue:           info.TaskQueueName,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	for {
		var planOut types.PlanBatchOutput
		if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.PlanBatch, types.PlanBatchInput{Worker: in.Worker}).Get(ctx, &planOut); err != nil {
			return err
		}
		if planOut.Batch == nil {
			return nil
		}

		var mergeOut types.MergeBatchOutput
		if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.MergeBatch, types.MergeBatchInput{Batch: planOut.Batch}).Get(ctx, &mergeOut); err != nil {
			return err
		}

		recordInput := types.RecordMergedInput{
			Batch:       planOut.Batch,
			Rows:        mergeOut.Rows,
			MergeTimeMs: planOut.DurationMs + mergeOut.DurationMs,
		}
		if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.RecordMerged, recordInput).Get(ctx, nil); err != nil {
			return err
		}

		if in.EmitDeduped {
			var dedupeOut types.RemoveDupesOutput
			if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.RemoveDupes, types.RemoveDupesInput{Worker: in.Worker}).Get(ctx, &dedupeOut); err != nil {
				return err
			}
		}
	}
}
