// Package memory provides an in-process engine implementation backed by
// key-indexed row maps. It exists for unit tests: the merge protocol is pure
// set arithmetic, so it can be exercised end to end without DuckDB or object
// storage. Blob refs and file paths resolve against an in-memory file store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-data-works/goldsink/pkg/engine"
)

// Row is a single record. The merge key column usually holds a string id,
// but any comparable representation works.
type Row map[string]any

// Engine implements engine.Engine over in-memory relations. Files written by
// Export land in an internal store and can be read back with ReadFile or
// inspected by tests through File.
type Engine struct {
	mu        sync.Mutex
	relations map[string][]Row
	files     map[string][]Row
}

var _ engine.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		relations: make(map[string][]Row),
		files:     make(map[string][]Row),
	}
}

// PutBlob seeds a blob that ReadBlob can later resolve; tests use this to
// stand in for object storage.
func (e *Engine) PutBlob(blobRef string, rows []Row) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[blobRef] = copyRows(rows)
}

// File returns the rows last exported to path, or nil.
func (e *Engine) File(path string) []Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyRows(e.files[path])
}

// Rows returns a copy of the named relation's rows, or nil.
func (e *Engine) Rows(name engine.Relation) []Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyRows(e.relations[name])
}

func (e *Engine) ReadBlob(_ context.Context, name engine.Relation, blobRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, ok := e.files[blobRef]
	if !ok {
		return fmt.Errorf("blob %q not found", blobRef)
	}
	e.relations[name] = copyRows(rows)
	return nil
}

func (e *Engine) ReadFile(_ context.Context, name engine.Relation, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, ok := e.files[path]
	if !ok {
		return fmt.Errorf("file %q not found", path)
	}
	e.relations[name] = copyRows(rows)
	return nil
}

func (e *Engine) Clone(_ context.Context, dst, src engine.Relation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, ok := e.relations[src]
	if !ok {
		return fmt.Errorf("relation %q not found", src)
	}
	e.relations[dst] = copyRows(rows)
	return nil
}

func (e *Engine) InsertMissing(_ context.Context, dst, src engine.Relation, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	dstRows, ok := e.relations[dst]
	if !ok {
		return fmt.Errorf("relation %q not found", dst)
	}
	srcRows, ok := e.relations[src]
	if !ok {
		return fmt.Errorf("relation %q not found", src)
	}

	seen := make(map[string]struct{}, len(dstRows))
	for _, row := range dstRows {
		seen[keyOf(row, key)] = struct{}{}
	}
	for _, row := range srcRows {
		if _, dup := seen[keyOf(row, key)]; dup {
			continue
		}
		dstRows = append(dstRows, copyRow(row))
	}
	e.relations[dst] = dstRows
	return nil
}

func (e *Engine) ProjectKey(_ context.Context, dst, src engine.Relation, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	srcRows, ok := e.relations[src]
	if !ok {
		return fmt.Errorf("relation %q not found", src)
	}

	seen := make(map[string]struct{}, len(srcRows))
	out := make([]Row, 0, len(srcRows))
	for _, row := range srcRows {
		k := keyOf(row, key)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Row{key: row[key]})
	}
	e.relations[dst] = out
	return nil
}

func (e *Engine) Intersect(_ context.Context, dst, a, b engine.Relation, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	aRows, ok := e.relations[a]
	if !ok {
		return fmt.Errorf("relation %q not found", a)
	}
	bRows, ok := e.relations[b]
	if !ok {
		return fmt.Errorf("relation %q not found", b)
	}

	inB := make(map[string]struct{}, len(bRows))
	for _, row := range bRows {
		inB[keyOf(row, key)] = struct{}{}
	}

	seen := make(map[string]struct{})
	out := make([]Row, 0)
	for _, row := range aRows {
		k := keyOf(row, key)
		if _, hit := inB[k]; !hit {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Row{key: row[key]})
	}
	e.relations[dst] = out
	return nil
}

func (e *Engine) DeleteIn(_ context.Context, dst, ids engine.Relation, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	dstRows, ok := e.relations[dst]
	if !ok {
		return fmt.Errorf("relation %q not found", dst)
	}
	idRows, ok := e.relations[ids]
	if !ok {
		return fmt.Errorf("relation %q not found", ids)
	}

	doomed := make(map[string]struct{}, len(idRows))
	for _, row := range idRows {
		doomed[keyOf(row, key)] = struct{}{}
	}

	out := dstRows[:0]
	for _, row := range dstRows {
		if _, hit := doomed[keyOf(row, key)]; hit {
			continue
		}
		out = append(out, row)
	}
	e.relations[dst] = out
	return nil
}

func (e *Engine) Export(_ context.Context, src engine.Relation, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, ok := e.relations[src]
	if !ok {
		return fmt.Errorf("relation %q not found", src)
	}
	e.files[path] = copyRows(rows)
	return nil
}

func (e *Engine) Has(_ context.Context, name engine.Relation) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.relations[name]
	return ok, nil
}

func (e *Engine) Count(_ context.Context, name engine.Relation) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, ok := e.relations[name]
	if !ok {
		return 0, fmt.Errorf("relation %q not found", name)
	}
	return uint64(len(rows)), nil
}

func (e *Engine) Drop(_ context.Context, name engine.Relation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.relations, name)
	return nil
}

func (e *Engine) Close() error { return nil }

func keyOf(row Row, key string) string {
	return fmt.Sprintf("%v", row[key])
}

func copyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func copyRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = copyRow(row)
	}
	return out
}
