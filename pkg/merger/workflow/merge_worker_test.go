package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/open-data-works/goldsink/pkg/merge"
	"github.com/open-data-works/goldsink/pkg/merger/activity"
	"github.com/open-data-works/goldsink/pkg/merger/types"
	"github.com/open-data-works/goldsink/pkg/temporal"
)

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, Context) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	activityCtx := &activity.Context{Logger: zaptest.NewLogger(t)}
	wfCtx := Context{
		TemporalClient: &temporal.Client{
			ManagerQueue:    "manager",
			MergeQueue:      "merge:%s",
			MergeWorkflowId: "merge:%s",
		},
		ActivityContext: activityCtx,
	}

	env.RegisterWorkflow(wfCtx.MergeWorkerWorkflow)
	env.RegisterWorkflow(wfCtx.ScanWorkflow)
	env.RegisterActivity(activityCtx.ScanExports)
	env.RegisterActivity(activityCtx.TriggerMerges)
	env.RegisterActivity(activityCtx.PlanBatch)
	env.RegisterActivity(activityCtx.MergeBatch)
	env.RegisterActivity(activityCtx.RecordMerged)
	env.RegisterActivity(activityCtx.RemoveDupes)

	return env, wfCtx
}

func TestMergeWorkerWorkflowDrainsUntilEmpty(t *testing.T) {
	env, wfCtx := newWorkflowEnv(t)

	batch := &merge.Batch{
		Worker:          "transfers",
		BatchID:         3,
		BlobRefs:        []string{"transfers/9.parquet"},
		FirstCheckpoint: 9,
		LastCheckpoint:  9,
	}

	planCalls := 0
	env.OnActivity(wfCtx.ActivityContext.PlanBatch, mock.Anything, types.PlanBatchInput{Worker: "transfers"}).Return(
		func(_ context.Context, _ types.PlanBatchInput) (types.PlanBatchOutput, error) {
			planCalls++
			if planCalls == 1 {
				return types.PlanBatchOutput{Batch: batch}, nil
			}
			return types.PlanBatchOutput{}, nil
		})
	env.OnActivity(wfCtx.ActivityContext.MergeBatch, mock.Anything, types.MergeBatchInput{Batch: batch}).Return(
		types.MergeBatchOutput{Rows: 42, Reconciled: true}, nil)
	env.OnActivity(wfCtx.ActivityContext.RecordMerged, mock.Anything, mock.MatchedBy(func(in types.RecordMergedInput) bool {
		return in.Rows == 42 && in.Batch != nil && in.Batch.BatchID == 3
	})).Return(nil)

	env.ExecuteWorkflow(wfCtx.MergeWorkerWorkflow, types.MergeWorkerInput{Worker: "transfers"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Equal(t, 2, planCalls, "loops until planning yields nothing")
	env.AssertExpectations(t)
}

func TestMergeWorkerWorkflowEmitsDedupedViews(t *testing.T) {
	env, wfCtx := newWorkflowEnv(t)

	batch := &merge.Batch{Worker: "logs", BatchID: 0, BlobRefs: []string{"logs/1.parquet"}, FirstCheckpoint: 1, LastCheckpoint: 1}

	planCalls := 0
	env.OnActivity(wfCtx.ActivityContext.PlanBatch, mock.Anything, mock.Anything).Return(
		func(_ context.Context, _ types.PlanBatchInput) (types.PlanBatchOutput, error) {
			planCalls++
			if planCalls == 1 {
				return types.PlanBatchOutput{Batch: batch}, nil
			}
			return types.PlanBatchOutput{}, nil
		})
	env.OnActivity(wfCtx.ActivityContext.MergeBatch, mock.Anything, mock.Anything).Return(types.MergeBatchOutput{Rows: 1}, nil)
	env.OnActivity(wfCtx.ActivityContext.RecordMerged, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(wfCtx.ActivityContext.RemoveDupes, mock.Anything, types.RemoveDupesInput{Worker: "logs"}).Return(
		types.RemoveDupesOutput{Batches: 1}, nil)

	env.ExecuteWorkflow(wfCtx.MergeWorkerWorkflow, types.MergeWorkerInput{Worker: "logs", EmitDeduped: true})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestScanWorkflowTriggersMerges(t *testing.T) {
	env, wfCtx := newWorkflowEnv(t)

	env.OnActivity(wfCtx.ActivityContext.ScanExports, mock.Anything, types.ScanInput{}).Return(
		types.ScanOutput{Enqueued: map[string]int{"transfers": 2}}, nil)
	env.OnActivity(wfCtx.ActivityContext.TriggerMerges, mock.Anything, types.ScanInput{}).Return(1, nil)

	env.ExecuteWorkflow(wfCtx.ScanWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}
