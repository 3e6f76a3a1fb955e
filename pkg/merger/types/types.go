package types

import "github.com/open-data-works/goldsink/pkg/merge"

// Workflow registration names shared by workers and the scheduler.
const (
	ScanWorkflowName        = "ScanWorkflow"
	MergeWorkerWorkflowName = "MergeWorkerWorkflow"
)

type ScanInput struct{}

type ScanOutput struct {
	// Enqueued counts newly queued blobs per worker.
	Enqueued   map[string]int `json:"enqueued"`
	DurationMs float64        `json:"durationMs"`
}

type PlanBatchInput struct {
	Worker string `json:"worker"`
}

type PlanBatchOutput struct {
	// Batch is nil when the worker's queue yielded nothing.
	Batch      *merge.Batch `json:"batch"`
	DurationMs float64      `json:"durationMs"`
}

type MergeBatchInput struct {
	Batch *merge.Batch `json:"batch"`
}

type MergeBatchOutput struct {
	Rows        uint64  `json:"rows"`
	Reconciled  bool    `json:"reconciled"`
	GapRecorded bool    `json:"gapRecorded"`
	DurationMs  float64 `json:"durationMs"`
}

type RecordMergedInput struct {
	Batch       *merge.Batch `json:"batch"`
	Rows        uint64       `json:"rows"`
	MergeTimeMs float64      `json:"mergeTimeMs"`
}

type RemoveDupesInput struct {
	Worker string `json:"worker"`
}

type RemoveDupesOutput struct {
	Batches    int     `json:"batches"`
	DurationMs float64 `json:"durationMs"`
}

type MergeWorkerInput struct {
	Worker string `json:"worker"`

	// EmitDeduped also refreshes the legacy per-batch deduplicated views
	// after the merge.
	EmitDeduped bool `json:"emitDeduped"`
}
