package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/open-data-works/goldsink/pkg/merger/types"
)

// ScanWorkflow runs on the manager queue on a schedule: list the export
// bucket, enqueue fresh blobs and kick off the merge loop for every worker
// with pending work.
func (wc *Context) ScanWorkflow(ctx workflow.Context) error {
	retry := &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    5,
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy:         retry,
		TaskQueue:           wc.TemporalClient.GetManagerQueue(),
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var scanOut types.ScanOutput
	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.ScanExports, types.ScanInput{}).Get(ctx, &scanOut); err != nil {
		return err
	}

	var triggered int
	return workflow.ExecuteActivity(ctx, wc.ActivityContext.TriggerMerges, types.ScanInput{}).Get(ctx, &triggered)
}
