// Package engine defines the relational capability the merge pipeline runs
// on: named working relations, keyed set operations between them, and
// import/export against columnar files addressed by path. The production
// implementation drives DuckDB; tests use an in-memory substitute.
package engine

import "context"

// Relation names a working relation owned by the engine. Relations created
// from blobs are scoped to the engine session; relations created with Clone,
// ProjectKey or Intersect survive process restarts until dropped, which is
// what keeps merged-id snapshots alive between batches.
type Relation = string

// Engine executes relational operations over working relations and columnar
// files. All mutating calls replace their destination (overwrite, never
// append), so every operation is idempotent for fixed inputs.
type Engine interface {
	// ReadBlob materializes a raw export blob into the session-scoped
	// relation name, replacing any previous contents.
	ReadBlob(ctx context.Context, name Relation, blobRef string) error

	// ReadFile materializes a published artifact into the session-scoped
	// relation name.
	ReadFile(ctx context.Context, name Relation, path string) error

	// Clone creates (or replaces) dst as a copy of src.
	Clone(ctx context.Context, dst, src Relation) error

	// InsertMissing inserts into dst every row of src whose key is not
	// already present in dst.
	InsertMissing(ctx context.Context, dst, src Relation, key string) error

	// ProjectKey creates (or replaces) dst holding the distinct key column
	// of src.
	ProjectKey(ctx context.Context, dst, src Relation, key string) error

	// Intersect creates (or replaces) dst holding the keys present in both
	// a and b.
	Intersect(ctx context.Context, dst, a, b Relation, key string) error

	// DeleteIn removes from dst every row whose key appears in ids.
	DeleteIn(ctx context.Context, dst, ids Relation, key string) error

	// Export writes src to the given file path, overwriting it.
	Export(ctx context.Context, src Relation, path string) error

	// Has reports whether a relation with this name exists.
	Has(ctx context.Context, name Relation) (bool, error)

	// Count returns the number of rows in the relation.
	Count(ctx context.Context, name Relation) (uint64, error)

	// Drop removes the relation; dropping a missing relation is a no-op.
	Drop(ctx context.Context, name Relation) error

	// Close releases the engine's resources.
	Close() error
}
