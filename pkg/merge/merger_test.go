package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/engine"
	"github.com/open-data-works/goldsink/pkg/engine/memory"
	"github.com/open-data-works/goldsink/pkg/queue"
)

// flakyExportEngine fails Export for a single path, standing in for an
// object store that rejects one write.
type flakyExportEngine struct {
	*memory.Engine
	failPath string
}

func (f *flakyExportEngine) Export(ctx context.Context, src engine.Relation, path string) error {
	if path == f.failPath {
		return errors.New("object store unavailable")
	}
	return f.Engine.Export(ctx, src, path)
}

type gapLog struct {
	workers  []string
	batchIDs []uint64
	reasons  []string
}

func (g *gapLog) RecordReconciliationGap(_ context.Context, worker string, batchID uint64, reason string) error {
	g.workers = append(g.workers, worker)
	g.batchIDs = append(g.batchIDs, batchID)
	g.reasons = append(g.reasons, reason)
	return nil
}

func newTestMerger() (*memory.Engine, *Merger, *gapLog) {
	eng := memory.New()
	gaps := &gapLog{}
	m := &Merger{
		Engine: eng,
		Paths:  Paths{Base: "out"},
		Logger: zap.NewNop(),
		Gaps:   gaps,
	}
	return eng, m, gaps
}

func row(id string, extra ...any) memory.Row {
	r := memory.Row{"id": id}
	for i := 0; i+1 < len(extra); i += 2 {
		r[extra[i].(string)] = extra[i+1]
	}
	return r
}

func idSet(rows []memory.Row) map[string]memory.Row {
	out := make(map[string]memory.Row, len(rows))
	for _, r := range rows {
		out[r["id"].(string)] = r
	}
	return out
}

func TestMergeKeepsNewestCheckpointVersion(t *testing.T) {
	eng, m, _ := newTestMerger()
	// Same identifier in checkpoints 3 and 7: the version from checkpoint 7
	// must survive.
	eng.PutBlob("cp3", []memory.Row{row("X", "value", "old"), row("A")})
	eng.PutBlob("cp7", []memory.Row{row("X", "value", "new"), row("B")})

	res, err := m.MergeBatch(context.Background(), &Batch{
		Worker:   "transfers",
		BatchID:  0,
		BlobRefs: []string{"cp3", "cp7"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Rows)

	table := idSet(eng.File("out/transfers/table_0.parquet"))
	require.Len(t, table, 3)
	assert.Equal(t, "new", table["X"]["value"])
	assert.Contains(t, table, "A")
	assert.Contains(t, table, "B")
}

func TestMergeIsIdempotent(t *testing.T) {
	eng, m, _ := newTestMerger()
	eng.PutBlob("cp1", []memory.Row{row("A"), row("B")})
	eng.PutBlob("cp2", []memory.Row{row("B"), row("C")})

	batch := &Batch{Worker: "logs", BatchID: 0, BlobRefs: []string{"cp1", "cp2"}}

	first, err := m.MergeBatch(context.Background(), batch)
	require.NoError(t, err)
	firstTable := idSet(eng.File("out/logs/table_0.parquet"))

	second, err := m.MergeBatch(context.Background(), batch)
	require.NoError(t, err)
	secondTable := idSet(eng.File("out/logs/table_0.parquet"))

	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, firstTable, secondTable)
}

func TestReconciliationEmitsDeletePatch(t *testing.T) {
	eng, m, _ := newTestMerger()
	eng.PutBlob("b0", []memory.Row{row("A"), row("B"), row("C")})
	eng.PutBlob("b1", []memory.Row{row("B"), row("C"), row("D")})

	ctx := context.Background()
	res0, err := m.MergeBatch(ctx, &Batch{Worker: "w", BatchID: 0, BlobRefs: []string{"b0"}})
	require.NoError(t, err)
	assert.False(t, res0.Reconciled, "batch 0 has no previous snapshot to reconcile")
	assert.Nil(t, eng.File("out/w/delete_0.parquet"), "no tombstone before the next batch arrives")

	res1, err := m.MergeBatch(ctx, &Batch{Worker: "w", BatchID: 1, BlobRefs: []string{"b1"}})
	require.NoError(t, err)
	assert.True(t, res1.Reconciled)

	// Delete patch for batch 0 is exactly the ids superseded by batch 1.
	patch := idSet(eng.File("out/w/delete_0.parquet"))
	assert.Len(t, patch, 2)
	assert.Contains(t, patch, "B")
	assert.Contains(t, patch, "C")

	// Batch 0's snapshot is retired once its tombstone is durable; batch
	// 1's stays for the next reconciliation.
	has, err := eng.Has(ctx, "merged_ids_w_0")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = eng.Has(ctx, "merged_ids_w_1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestFailedTombstoneWriteKeepsBothSnapshots(t *testing.T) {
	eng, m, gaps := newTestMerger()
	eng.PutBlob("b0", []memory.Row{row("A"), row("B")})
	eng.PutBlob("b1", []memory.Row{row("B"), row("C")})

	ctx := context.Background()
	_, err := m.MergeBatch(ctx, &Batch{Worker: "w", BatchID: 0, BlobRefs: []string{"b0"}})
	require.NoError(t, err)

	// The delete patch for batch 0 cannot be published.
	m.Engine = &flakyExportEngine{Engine: eng, failPath: m.Paths.Delete("w", 0)}

	res, err := m.MergeBatch(ctx, &Batch{Worker: "w", BatchID: 1, BlobRefs: []string{"b1"}})
	require.NoError(t, err, "a failed tombstone write must not fail the batch's own merge")
	assert.False(t, res.Reconciled)
	assert.True(t, res.GapRecorded)
	require.Len(t, gaps.batchIDs, 1)
	assert.Equal(t, uint64(0), gaps.batchIDs[0])

	// Both snapshots survive so the reconciliation can be retried on its own.
	for _, rel := range []string{"merged_ids_w_0", "merged_ids_w_1"} {
		has, hasErr := eng.Has(ctx, rel)
		require.NoError(t, hasErr)
		assert.True(t, has, rel)
	}
	assert.Nil(t, eng.File("out/w/delete_0.parquet"))
	assert.NotNil(t, eng.File("out/w/table_1.parquet"), "batch 1's own artifacts stay valid")
}

func TestMergeUnreadableBlobAbortsAtomically(t *testing.T) {
	eng, m, _ := newTestMerger()
	eng.PutBlob("ok", []memory.Row{row("A")})

	_, err := m.MergeBatch(context.Background(), &Batch{
		Worker:   "w",
		BatchID:  0,
		BlobRefs: []string{"ok", "missing"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlobUnreadable)

	// Nothing durable was published.
	assert.Nil(t, eng.File("out/w/table_0.parquet"))
}

func TestMergeMissingPreviousSnapshotRecordsGap(t *testing.T) {
	eng, m, gaps := newTestMerger()
	eng.PutBlob("b2", []memory.Row{row("A"), row("B")})

	// Batch 2 arrives with no snapshot for batch 1 (e.g. lost working
	// state). The batch's own merge must still succeed.
	res, err := m.MergeBatch(context.Background(), &Batch{Worker: "w", BatchID: 2, BlobRefs: []string{"b2"}})
	require.NoError(t, err)
	assert.False(t, res.Reconciled)
	assert.True(t, res.GapRecorded)

	require.Len(t, gaps.batchIDs, 1)
	assert.Equal(t, uint64(1), gaps.batchIDs[0])
	assert.Equal(t, "w", gaps.workers[0])

	assert.NotNil(t, eng.File("out/w/table_2.parquet"))
	has, err := eng.Has(context.Background(), "merged_ids_w_2")
	require.NoError(t, err)
	assert.True(t, has, "own snapshot stays valid despite the gap")
}

func TestRemoveDupesWritesLegacyViews(t *testing.T) {
	eng, m, _ := newTestMerger()
	eng.PutBlob("b0", []memory.Row{row("A"), row("B"), row("C")})
	eng.PutBlob("b1", []memory.Row{row("B"), row("C"), row("D")})

	ctx := context.Background()
	_, err := m.MergeBatch(ctx, &Batch{Worker: "w", BatchID: 0, BlobRefs: []string{"b0"}})
	require.NoError(t, err)
	_, err = m.MergeBatch(ctx, &Batch{Worker: "w", BatchID: 1, BlobRefs: []string{"b1"}})
	require.NoError(t, err)

	require.NoError(t, m.RemoveDupes(ctx, "w", []uint64{0, 1}))

	// Batch 0's view: merged table minus its delete patch.
	view0 := idSet(eng.File("out/w/deduped_0.parquet"))
	assert.Len(t, view0, 1)
	assert.Contains(t, view0, "A")

	// Batch 1 played no "previous" role yet: full merged table.
	view1 := idSet(eng.File("out/w/deduped_1.parquet"))
	assert.Len(t, view1, 3)
}

func TestEndToEndTransfers(t *testing.T) {
	eng, m, _ := newTestMerger()
	// Checkpoints arrive out of order; id 7 appears in all three and the
	// version from the newest checkpoint must win.
	eng.PutBlob("b5", []memory.Row{row("7", "cp", 5), row("c")})
	eng.PutBlob("b1", []memory.Row{row("7", "cp", 1), row("a")})
	eng.PutBlob("b3", []memory.Row{row("7", "cp", 3), row("b")})

	registry := queue.NewRegistry(10)
	registry.Enqueue("transfers", queue.Item{Checkpoint: 5, BlobRef: "b5"})
	registry.Enqueue("transfers", queue.Item{Checkpoint: 1, BlobRef: "b1"})
	registry.Enqueue("transfers", queue.Item{Checkpoint: 3, BlobRef: "b3"})

	planner := &Planner{Registry: registry, Logger: zap.NewNop()}
	batch := planner.Plan("transfers", 0)
	require.NotNil(t, batch)
	assert.Equal(t, []string{"b1", "b3", "b5"}, batch.BlobRefs)
	assert.Equal(t, uint64(1), batch.FirstCheckpoint)
	assert.Equal(t, uint64(5), batch.LastCheckpoint)

	res, err := m.MergeBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Rows)

	table := idSet(eng.File("out/transfers/table_0.parquet"))
	assert.Equal(t, 5, table["7"]["cp"])
}

func TestPlannerEmptyQueueIsNoop(t *testing.T) {
	registry := queue.NewRegistry(10)
	planner := &Planner{Registry: registry, Logger: zap.NewNop()}
	assert.Nil(t, planner.Plan("quiet", 0), "zero-blob batches are never emitted")
}

func TestPlannerHonorsConsumptionCap(t *testing.T) {
	registry := queue.NewRegistry(2)
	for cp := uint64(1); cp <= 5; cp++ {
		registry.Enqueue("w", queue.Item{Checkpoint: cp, BlobRef: fmt.Sprintf("b%d", cp)})
	}

	planner := &Planner{Registry: registry, Logger: zap.NewNop()}
	batch := planner.Plan("w", 0)
	require.NotNil(t, batch)
	assert.Len(t, batch.BlobRefs, 2, "cap bounds the batch size")
	assert.Equal(t, 3, registry.Len("w"), "excess items stay queued for the next pass")

	// Next pass after a reset picks up where the previous one stopped.
	registry.Reset("w")
	next := planner.Plan("w", 1)
	require.NotNil(t, next)
	assert.Equal(t, uint64(3), next.FirstCheckpoint)
}
