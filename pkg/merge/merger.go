package merge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/engine"
)

// DefaultKey is the record identifier column the Goldsky exports carry.
const DefaultKey = "id"

var (
	// ErrBlobUnreadable marks a transient load failure: the whole batch
	// merge aborted before anything durable was written and is safe to
	// retry with the same blob refs.
	ErrBlobUnreadable = errors.New("blob unreadable")

	// ErrSnapshotMissing marks an ordering violation: the previous batch's
	// merged-id snapshot was expected but absent. The current batch's own
	// artifacts are still valid; the reconciliation is recorded as a gap.
	ErrSnapshotMissing = errors.New("previous batch snapshot missing")
)

// GapRecorder persists reconciliation gaps for manual backfill.
type GapRecorder interface {
	RecordReconciliationGap(ctx context.Context, worker string, batchID uint64, reason string) error
}

// Merger merges a planned batch into a deduplicated table, snapshots its
// identifiers and reconciles against the previous batch's snapshot by
// emitting a delete patch. All heavy lifting happens through the engine; the
// merger only sequences set operations, so it is exercised in tests against
// the in-memory engine.
type Merger struct {
	Engine engine.Engine
	Paths  Paths
	Logger *zap.Logger

	// Key is the record identifier column; defaults to DefaultKey.
	Key string

	// Gaps, when set, receives reconciliation gaps (missing previous
	// snapshot). A nil recorder only logs.
	Gaps GapRecorder
}

// Result summarizes one batch merge.
type Result struct {
	Worker  string `json:"worker"`
	BatchID uint64 `json:"batchId"`
	Rows    uint64 `json:"rows"`

	// Reconciled is true when the previous batch's delete patch was
	// written and its snapshot retired.
	Reconciled bool `json:"reconciled"`

	// GapRecorded is true when the previous snapshot was missing and the
	// reconciliation was skipped.
	GapRecorded bool `json:"gapRecorded"`
}

func (m *Merger) key() string {
	if m.Key != "" {
		return m.Key
	}
	return DefaultKey
}

func (m *Merger) checkpointRel(worker string, batchID uint64, i int) engine.Relation {
	return fmt.Sprintf("checkpoint_%s_%d_%d", sanitizeRelName(worker), batchID, i)
}

func (m *Merger) mergedRel(worker string, batchID uint64) engine.Relation {
	return fmt.Sprintf("merged_%s_%d", sanitizeRelName(worker), batchID)
}

func (m *Merger) snapshotRel(worker string, batchID uint64) engine.Relation {
	return fmt.Sprintf("merged_ids_%s_%d", sanitizeRelName(worker), batchID)
}

func (m *Merger) patchRel(worker string, batchID uint64) engine.Relation {
	return fmt.Sprintf("delete_patch_%s_%d", sanitizeRelName(worker), batchID)
}

// MergeBatch runs the full merge protocol for one batch. BlobRefs must be in
// checkpoint-ascending order. The merge is idempotent: re-running it with
// unchanged inputs rewrites identical artifacts.
func (m *Merger) MergeBatch(ctx context.Context, batch *Batch) (*Result, error) {
	if batch == nil || len(batch.BlobRefs) == 0 {
		return nil, errors.New("empty batch")
	}

	worker, batchID := batch.Worker, batch.BatchID
	log := m.Logger.With(zap.String("worker", worker), zap.Uint64("batchId", batchID))

	// Load every blob up front. Any unreadable blob aborts the whole batch
	// before the durable table path is touched.
	checkpoints := make([]engine.Relation, len(batch.BlobRefs))
	for i, blobRef := range batch.BlobRefs {
		rel := m.checkpointRel(worker, batchID, i)
		if err := m.Engine.ReadBlob(ctx, rel, blobRef); err != nil {
			m.dropAll(ctx, checkpoints[:i])
			return nil, fmt.Errorf("load blob %s (%v): %w", blobRef, err, ErrBlobUnreadable)
		}
		checkpoints[i] = rel
	}

	// Merge newest checkpoint first; older blobs only contribute rows whose
	// identifier is not already present. First writer wins under reverse
	// iteration, so the newest checkpoint's version of every id survives
	// and ids are unique in the merged output by construction.
	merged := m.mergedRel(worker, batchID)
	newest := len(checkpoints) - 1
	if err := m.Engine.Clone(ctx, merged, checkpoints[newest]); err != nil {
		m.dropAll(ctx, checkpoints)
		return nil, fmt.Errorf("seed merged relation: %w", err)
	}
	for i := newest - 1; i >= 0; i-- {
		if err := m.Engine.InsertMissing(ctx, merged, checkpoints[i], m.key()); err != nil {
			m.dropAll(ctx, append(checkpoints, merged))
			return nil, fmt.Errorf("merge %s: %w", batch.BlobRefs[i], err)
		}
	}

	rows, err := m.Engine.Count(ctx, merged)
	if err != nil {
		m.dropAll(ctx, append(checkpoints, merged))
		return nil, fmt.Errorf("count merged rows: %w", err)
	}

	// Publish the merged table. COPY overwrites, so re-runs replace.
	tablePath := m.Paths.Table(worker, batchID)
	if err := m.Engine.Export(ctx, merged, tablePath); err != nil {
		m.dropAll(ctx, append(checkpoints, merged))
		return nil, fmt.Errorf("publish merged table to %s: %w", tablePath, err)
	}

	// Snapshot the merged identifier set. It stays alive until the next
	// batch's reconciliation consumes it.
	snapshot := m.snapshotRel(worker, batchID)
	if err := m.Engine.ProjectKey(ctx, snapshot, merged, m.key()); err != nil {
		m.dropAll(ctx, append(checkpoints, merged))
		return nil, fmt.Errorf("snapshot merged ids: %w", err)
	}

	result := &Result{Worker: worker, BatchID: batchID, Rows: rows}

	if batchID > 0 {
		reconciled, gapErr := m.reconcile(ctx, worker, batchID, snapshot)
		result.Reconciled = reconciled
		if gapErr != nil {
			// The batch's own table and snapshot are valid; the missing
			// reconciliation is a recorded gap, not a merge failure.
			log.Warn("Reconciliation skipped", zap.Error(gapErr))
			result.GapRecorded = true
			if m.Gaps != nil {
				if recErr := m.Gaps.RecordReconciliationGap(ctx, worker, batchID-1, gapErr.Error()); recErr != nil {
					log.Warn("Failed to record reconciliation gap", zap.Error(recErr))
				}
			}
		}
	}

	// Working relations are no longer needed; the snapshot stays.
	m.dropAll(ctx, append(checkpoints, merged))

	log.Info("Merged batch",
		zap.Uint64("rows", rows),
		zap.Int("blobs", len(batch.BlobRefs)),
		zap.Bool("reconciled", result.Reconciled))
	return result, nil
}

// reconcile computes and publishes the previous batch's delete patch: the
// identifiers of the previous batch that reappear in the current one. The
// previous snapshot is dropped only after the patch write returned, so a
// failed write leaves both snapshots in place for an independent retry.
func (m *Merger) reconcile(ctx context.Context, worker string, batchID uint64, snapshot engine.Relation) (bool, error) {
	prevID := batchID - 1
	prevSnapshot := m.snapshotRel(worker, prevID)

	has, err := m.Engine.Has(ctx, prevSnapshot)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", prevSnapshot, err)
	}
	if !has {
		return false, fmt.Errorf("batch %d: %w", prevID, ErrSnapshotMissing)
	}

	patch := m.patchRel(worker, prevID)
	if err := m.Engine.Intersect(ctx, patch, prevSnapshot, snapshot, m.key()); err != nil {
		return false, fmt.Errorf("compute delete patch for batch %d: %w", prevID, err)
	}

	deletePath := m.Paths.Delete(worker, prevID)
	if err := m.Engine.Export(ctx, patch, deletePath); err != nil {
		m.dropAll(ctx, []engine.Relation{patch})
		return false, fmt.Errorf("publish delete patch to %s: %w", deletePath, err)
	}

	// Patch is durable; the previous snapshot has served its purpose.
	m.dropAll(ctx, []engine.Relation{prevSnapshot, patch})
	return true, nil
}

// RemoveDupes writes the legacy deduplicated view for each batch: the merged
// table minus its delete-patch ids. The newest batch has no patch yet, so its
// view is the merged table verbatim.
func (m *Merger) RemoveDupes(ctx context.Context, worker string, batchIDs []uint64) error {
	for i, batchID := range batchIDs {
		last := i == len(batchIDs)-1
		if err := m.removeDupesForBatch(ctx, worker, batchID, last); err != nil {
			return err
		}
	}
	return nil
}

func (m *Merger) removeDupesForBatch(ctx context.Context, worker string, batchID uint64, last bool) error {
	m.Logger.Info("Writing deduped view",
		zap.String("worker", worker),
		zap.Uint64("batchId", batchID),
		zap.Bool("last", last))

	deduped := fmt.Sprintf("deduped_%s_%d", sanitizeRelName(worker), batchID)
	if err := m.Engine.ReadFile(ctx, deduped, m.Paths.Table(worker, batchID)); err != nil {
		return fmt.Errorf("read merged table for batch %d: %w", batchID, err)
	}

	if !last {
		patchIds := fmt.Sprintf("patch_ids_%s_%d", sanitizeRelName(worker), batchID)
		if err := m.Engine.ReadFile(ctx, patchIds, m.Paths.Delete(worker, batchID)); err != nil {
			m.dropAll(ctx, []engine.Relation{deduped})
			return fmt.Errorf("read delete patch for batch %d: %w", batchID, err)
		}
		if err := m.Engine.DeleteIn(ctx, deduped, patchIds, m.key()); err != nil {
			m.dropAll(ctx, []engine.Relation{deduped, patchIds})
			return fmt.Errorf("apply delete patch for batch %d: %w", batchID, err)
		}
		m.dropAll(ctx, []engine.Relation{patchIds})
	}

	if err := m.Engine.Export(ctx, deduped, m.Paths.Deduped(worker, batchID)); err != nil {
		m.dropAll(ctx, []engine.Relation{deduped})
		return fmt.Errorf("publish deduped view for batch %d: %w", batchID, err)
	}

	m.dropAll(ctx, []engine.Relation{deduped})
	return nil
}

// dropAll best-effort drops working relations; failures are logged only, the
// relations are session garbage at worst.
func (m *Merger) dropAll(ctx context.Context, rels []engine.Relation) {
	for _, rel := range rels {
		if rel == "" {
			continue
		}
		if err := m.Engine.Drop(ctx, rel); err != nil {
			m.Logger.Warn("Failed to drop working relation",
				zap.String("relation", rel),
				zap.Error(err))
		}
	}
}
