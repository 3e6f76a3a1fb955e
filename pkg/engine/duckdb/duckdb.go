// Package duckdb implements the query engine on DuckDB. Raw export blobs are
// read straight from object storage with read_parquet over httpfs, working
// relations live as tables in the DuckDB database file (so merged-id
// snapshots survive restarts), and publishes are COPY ... TO with overwrite.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/engine"
	"github.com/open-data-works/goldsink/pkg/utils"
)

type Engine struct {
	Logger *zap.Logger

	db     *sql.DB
	bucket string
}

var _ engine.Engine = (*Engine)(nil)

// New opens (or creates) the DuckDB database file and prepares it for object
// storage access. Environment variables:
//   - DUCKDB_PATH: database file path (default "goldsink.duckdb")
//   - GOLDSKY_BUCKET: bucket holding the raw export blobs
//   - GCS_KEY_ID / GCS_SECRET: HMAC credentials for gs:// access
//   - DUCKDB_MEMORY_LIMIT: engine memory limit (default "16GB")
func New(ctx context.Context, logger *zap.Logger) (*Engine, error) {
	path := utils.Env("DUCKDB_PATH", "goldsink.duckdb")
	bucket := utils.Env("GOLDSKY_BUCKET", "")
	keyID := utils.Env("GCS_KEY_ID", "")
	secret := utils.Env("GCS_SECRET", "")
	memoryLimit := utils.Env("DUCKDB_MEMORY_LIMIT", "16GB")

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %s: %w", path, err)
	}

	e := &Engine{Logger: logger, db: db, bucket: bucket}
	if err := e.initialize(ctx, keyID, secret, memoryLimit); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("DuckDB engine ready",
		zap.String("path", path),
		zap.String("bucket", bucket),
		zap.String("memory_limit", memoryLimit))
	return e, nil
}

func (e *Engine) initialize(ctx context.Context, keyID, secret, memoryLimit string) error {
	if _, err := e.db.ExecContext(ctx, "INSTALL httpfs"); err != nil {
		return fmt.Errorf("install httpfs extension: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, "LOAD httpfs"); err != nil {
		return fmt.Errorf("load httpfs extension: %w", err)
	}

	if keyID != "" {
		secretSQL := fmt.Sprintf(`CREATE OR REPLACE SECRET (
			TYPE GCS,
			KEY_ID '%s',
			SECRET '%s'
		)`, keyID, secret)
		if _, err := e.db.ExecContext(ctx, secretSQL); err != nil {
			return fmt.Errorf("configure gcs secret: %w", err)
		}
	}

	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("SET memory_limit = '%s'", memoryLimit)); err != nil {
		return fmt.Errorf("set memory limit: %w", err)
	}
	return nil
}

// blobURI resolves a feed blob name to its full object storage URI.
func (e *Engine) blobURI(blobRef string) string {
	return fmt.Sprintf("gs://%s/%s", e.bucket, blobRef)
}

func (e *Engine) ReadBlob(ctx context.Context, name engine.Relation, blobRef string) error {
	uri := e.blobURI(blobRef)
	e.Logger.Debug("Reading blob into working relation",
		zap.String("relation", name),
		zap.String("uri", uri))

	query := fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE %q AS SELECT * FROM read_parquet('%s')`, name, uri)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("read blob %s: %w", blobRef, err)
	}
	return nil
}

func (e *Engine) ReadFile(ctx context.Context, name engine.Relation, path string) error {
	query := fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE %q AS SELECT * FROM read_parquet('%s')`, name, path)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	return nil
}

func (e *Engine) Clone(ctx context.Context, dst, src engine.Relation) error {
	query := fmt.Sprintf(`CREATE OR REPLACE TABLE %q AS SELECT * FROM %q`, dst, src)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("clone %s into %s: %w", src, dst, err)
	}
	return nil
}

func (e *Engine) InsertMissing(ctx context.Context, dst, src engine.Relation, key string) error {
	query := fmt.Sprintf(`
		INSERT INTO %q
		SELECT s.* FROM %q AS s
		WHERE s.%q NOT IN (SELECT %q FROM %q)
	`, dst, src, key, key, dst)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert missing rows from %s into %s: %w", src, dst, err)
	}
	return nil
}

func (e *Engine) ProjectKey(ctx context.Context, dst, src engine.Relation, key string) error {
	query := fmt.Sprintf(`CREATE OR REPLACE TABLE %q AS SELECT DISTINCT %q FROM %q`, dst, key, src)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("project %s of %s: %w", key, src, err)
	}
	return nil
}

func (e *Engine) Intersect(ctx context.Context, dst, a, b engine.Relation, key string) error {
	query := fmt.Sprintf(`
		CREATE OR REPLACE TABLE %q AS
		SELECT DISTINCT l.%q
		FROM %q AS l
		INNER JOIN %q AS r ON l.%q = r.%q
	`, dst, key, a, b, key, key)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("intersect %s with %s: %w", a, b, err)
	}
	return nil
}

func (e *Engine) DeleteIn(ctx context.Context, dst, ids engine.Relation, key string) error {
	query := fmt.Sprintf(`DELETE FROM %q WHERE %q IN (SELECT %q FROM %q)`, dst, key, key, ids)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete rows of %s present in %s: %w", dst, ids, err)
	}
	return nil
}

// Export copies a relation straight to its final path. On gs:// the object
// only becomes visible when the upload finalizes, so a failed COPY never
// leaves a partial artifact behind; readers see the old object or the new
// one, nothing in between.
func (e *Engine) Export(ctx context.Context, src engine.Relation, path string) error {
	e.Logger.Debug("Exporting relation", zap.String("relation", src), zap.String("path", path))
	query := fmt.Sprintf(`COPY %q TO '%s'`, src, path)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("export %s to %s: %w", src, path, err)
	}
	return nil
}

func (e *Engine) Has(ctx context.Context, name engine.Relation) (bool, error) {
	var count uint64
	query := `SELECT count(*) FROM information_schema.tables WHERE table_name = ?`
	if err := e.db.QueryRowContext(ctx, query, name).Scan(&count); err != nil {
		return false, fmt.Errorf("check relation %s: %w", name, err)
	}
	return count > 0, nil
}

func (e *Engine) Count(ctx context.Context, name engine.Relation) (uint64, error) {
	var count uint64
	query := fmt.Sprintf(`SELECT count(*) FROM %q`, name)
	if err := e.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return count, nil
}

func (e *Engine) Drop(ctx context.Context, name engine.Relation) error {
	query := fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}
