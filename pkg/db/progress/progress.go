// Package progress persists merge progress and reconciliation gaps in
// ClickHouse. Batch ids survive restarts here; the planner allocates the next
// id from the highest recorded one per worker.
package progress

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/db/clickhouse"
	"github.com/open-data-works/goldsink/pkg/utils"
)

// DefaultDatabase is the database the store creates its tables in, overridable
// via CLICKHOUSE_DATABASE.
const DefaultDatabase = "goldsink"

// Store tracks merged batches per worker.
type Store struct {
	*clickhouse.Client
}

// Merged is one recorded batch merge.
type Merged struct {
	Worker          string    `ch:"worker"`
	BatchID         uint64    `ch:"batch_id"`
	FirstCheckpoint uint64    `ch:"first_checkpoint"`
	LastCheckpoint  uint64    `ch:"last_checkpoint"`
	Rows            uint64    `ch:"rows"`
	Blobs           uint32    `ch:"blobs"`
	MergedAt        time.Time `ch:"merged_at"`
	MergeTimeMs     float64   `ch:"merge_time_ms"`
}

// Gap is a recorded reconciliation gap awaiting manual backfill.
type Gap struct {
	Worker     string    `ch:"worker"`
	BatchID    uint64    `ch:"batch_id"`
	Reason     string    `ch:"reason"`
	RecordedAt time.Time `ch:"recorded_at"`
}

// New connects and initializes the schema. The configured database name is
// sanitized so deployment names like "goldsink-staging" stay valid
// identifiers.
func New(ctx context.Context, logger *zap.Logger) (*Store, error) {
	dbName := clickhouse.SanitizeName(utils.Env("CLICKHOUSE_DATABASE", DefaultDatabase))
	client, err := clickhouse.New(ctx, logger, dbName)
	if err != nil {
		return nil, err
	}

	store := &Store{Client: client}
	if err := store.initialize(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// initialize creates the progress tables:
//  1. merge_progress (MergeTree) holds one row per merged batch.
//  2. merge_progress_agg (AggregatingMergeTree) keeps max batch id and
//     checkpoint per worker.
//  3. merge_progress_mv feeds the aggregate on every insert.
//  4. reconciliation_gaps records skipped reconciliations.
func (s *Store) initialize(ctx context.Context) error {
	if err := s.CreateDbIfNotExists(ctx); err != nil {
		return fmt.Errorf("create database %s: %w", s.Name, err)
	}

	ddlBase := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."merge_progress" (
			worker String,
			batch_id UInt64,
			first_checkpoint UInt64,
			last_checkpoint UInt64,
			rows UInt64,
			blobs UInt32,
			merged_at DateTime64(6),
			merge_time_ms Float64
		) ENGINE = MergeTree()
		ORDER BY (worker, batch_id)
	`, s.Name)
	if err := s.Exec(ctx, ddlBase); err != nil {
		return fmt.Errorf("create merge_progress table: %w", err)
	}

	ddlAgg := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."merge_progress_agg" (
			worker String,
			max_batch AggregateFunction(max, UInt64),
			max_checkpoint AggregateFunction(max, UInt64)
		) ENGINE = AggregatingMergeTree()
		ORDER BY (worker)
	`, s.Name)
	if err := s.Exec(ctx, ddlAgg); err != nil {
		return fmt.Errorf("create merge_progress_agg table: %w", err)
	}

	ddlMV := fmt.Sprintf(`
		CREATE MATERIALIZED VIEW IF NOT EXISTS "%s"."merge_progress_mv"
		TO "%s"."merge_progress_agg" AS
		SELECT
			worker,
			maxState(batch_id) AS max_batch,
			maxState(last_checkpoint) AS max_checkpoint
		FROM "%s"."merge_progress"
		GROUP BY worker
	`, s.Name, s.Name, s.Name)
	if err := s.Exec(ctx, ddlMV); err != nil {
		return fmt.Errorf("create merge_progress_mv: %w", err)
	}

	ddlGaps := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."reconciliation_gaps" (
			worker String,
			batch_id UInt64,
			reason String,
			recorded_at DateTime64(6)
		) ENGINE = MergeTree()
		ORDER BY (worker, batch_id)
	`, s.Name)
	if err := s.Exec(ctx, ddlGaps); err != nil {
		return fmt.Errorf("create reconciliation_gaps table: %w", err)
	}

	return nil
}

// RecordMerged records a completed batch merge. mergeTimeMs is the activity
// execution time in milliseconds.
func (s *Store) RecordMerged(ctx context.Context, m *Merged) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."merge_progress"
			(worker, batch_id, first_checkpoint, last_checkpoint, rows, blobs, merged_at, merge_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Name)
	mergedAt := m.MergedAt
	if mergedAt.IsZero() {
		mergedAt = time.Now().UTC()
	}
	return s.Exec(ctx, query,
		m.Worker,
		m.BatchID,
		m.FirstCheckpoint,
		m.LastCheckpoint,
		m.Rows,
		m.Blobs,
		mergedAt,
		m.MergeTimeMs,
	)
}

// LastBatch returns the highest recorded batch id for a worker. ok is false
// when the worker has no merges yet; batch 0 and "nothing merged" are
// otherwise indistinguishable.
func (s *Store) LastBatch(ctx context.Context, worker string) (uint64, bool, error) {
	var count uint64
	countQuery := fmt.Sprintf(`SELECT count() FROM "%s"."merge_progress" WHERE worker = ?`, s.Name)
	if err := s.QueryRow(ctx, countQuery, worker).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("count merges for %s: %w", worker, err)
	}
	if count == 0 {
		return 0, false, nil
	}

	// Prefer the aggregate, fall back to the base table while the aggregate
	// is still empty.
	var last uint64
	aggQuery := fmt.Sprintf(`SELECT maxMerge(max_batch) FROM "%s"."merge_progress_agg" WHERE worker = ?`, s.Name)
	if err := s.QueryRow(ctx, aggQuery, worker).Scan(&last); err == nil && last != 0 {
		return last, true, nil
	}

	baseQuery := fmt.Sprintf(`SELECT max(batch_id) FROM "%s"."merge_progress" WHERE worker = ?`, s.Name)
	if err := s.QueryRow(ctx, baseQuery, worker).Scan(&last); err != nil && !clickhouse.IsNoRows(err) {
		return 0, false, fmt.Errorf("last batch for %s: %w", worker, err)
	}
	return last, true, nil
}

// NextBatchID allocates the id for the worker's next batch: 0 for a fresh
// worker, last+1 otherwise.
func (s *Store) NextBatchID(ctx context.Context, worker string) (uint64, error) {
	last, ok, err := s.LastBatch(ctx, worker)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return last + 1, nil
}

// LastCheckpoint returns the highest merged checkpoint for a worker, 0 when
// nothing merged yet. The feed uses this as the enqueue floor.
func (s *Store) LastCheckpoint(ctx context.Context, worker string) (uint64, error) {
	var cp uint64
	aggQuery := fmt.Sprintf(`SELECT maxMerge(max_checkpoint) FROM "%s"."merge_progress_agg" WHERE worker = ?`, s.Name)
	if err := s.QueryRow(ctx, aggQuery, worker).Scan(&cp); err == nil && cp != 0 {
		return cp, nil
	}

	baseQuery := fmt.Sprintf(`SELECT max(last_checkpoint) FROM "%s"."merge_progress" WHERE worker = ?`, s.Name)
	if err := s.QueryRow(ctx, baseQuery, worker).Scan(&cp); err != nil && !clickhouse.IsNoRows(err) {
		return 0, fmt.Errorf("last checkpoint for %s: %w", worker, err)
	}
	return cp, nil
}

// MergedBatches lists a worker's recorded batches in id order, oldest first.
func (s *Store) MergedBatches(ctx context.Context, worker string) ([]Merged, error) {
	query := fmt.Sprintf(`
		SELECT worker, batch_id, first_checkpoint, last_checkpoint, rows, blobs, merged_at, merge_time_ms
		FROM "%s"."merge_progress"
		WHERE worker = ?
		ORDER BY batch_id
	`, s.Name)

	var rows []Merged
	if err := s.Select(ctx, &rows, query, worker); err != nil {
		return nil, fmt.Errorf("merged batches for %s: %w", worker, err)
	}
	return rows, nil
}

// AllWorkersProgress returns the last merged checkpoint per worker.
func (s *Store) AllWorkersProgress(ctx context.Context) (map[string]uint64, error) {
	out := make(map[string]uint64)

	query := fmt.Sprintf(`
		SELECT worker, maxMerge(max_checkpoint) AS last_cp
		FROM "%s"."merge_progress_agg"
		GROUP BY worker
	`, s.Name)
	rows, err := s.Query(ctx, query)
	if err == nil {
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var worker string
			var cp uint64
			if err := rows.Scan(&worker, &cp); err != nil {
				return nil, err
			}
			out[worker] = cp
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	fallback := fmt.Sprintf(`
		SELECT worker, max(last_checkpoint) AS last_cp
		FROM "%s"."merge_progress"
		GROUP BY worker
	`, s.Name)
	rows, err = s.Query(ctx, fallback)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var worker string
		var cp uint64
		if err := rows.Scan(&worker, &cp); err != nil {
			return nil, err
		}
		out[worker] = cp
	}
	return out, nil
}

// RecordReconciliationGap records a skipped reconciliation for later
// backfill. Satisfies the merger's gap recorder.
func (s *Store) RecordReconciliationGap(ctx context.Context, worker string, batchID uint64, reason string) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."reconciliation_gaps" (worker, batch_id, reason, recorded_at)
		VALUES (?, ?, ?, ?)
	`, s.Name)
	return s.Exec(ctx, query, worker, batchID, reason, time.Now().UTC())
}

// ReconciliationGaps lists recorded gaps, optionally filtered by worker
// (empty string means all workers).
func (s *Store) ReconciliationGaps(ctx context.Context, worker string) ([]Gap, error) {
	query := fmt.Sprintf(`
		SELECT worker, batch_id, reason, recorded_at
		FROM "%s"."reconciliation_gaps"
		ORDER BY worker, batch_id
	`, s.Name)
	args := []interface{}{}
	if worker != "" {
		query = fmt.Sprintf(`
			SELECT worker, batch_id, reason, recorded_at
			FROM "%s"."reconciliation_gaps"
			WHERE worker = ?
			ORDER BY batch_id
		`, s.Name)
		args = append(args, worker)
	}

	var gaps []Gap
	if err := s.Select(ctx, &gaps, query, args...); err != nil {
		return nil, fmt.Errorf("reconciliation gaps: %w", err)
	}
	return gaps, nil
}
