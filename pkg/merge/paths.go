package merge

import (
	"fmt"
	"strings"
)

// Paths derives the durable artifact locations for a worker's batches.
// Base is the destination root (for production runs a gs://bucket/prefix
// URI; tests use any opaque prefix). Layout, per (worker, batch):
//
//	{base}/{worker}/table_{batch}.parquet    merged table
//	{base}/{worker}/delete_{batch}.parquet   tombstones applied when reading that batch
//	{base}/{worker}/deduped_{batch}.parquet  legacy pre-applied view
type Paths struct {
	Base string
}

func (p Paths) Table(worker string, batchID uint64) string {
	return fmt.Sprintf("%s/%s/table_%d.parquet", p.Base, worker, batchID)
}

func (p Paths) Delete(worker string, batchID uint64) string {
	return fmt.Sprintf("%s/%s/delete_%d.parquet", p.Base, worker, batchID)
}

func (p Paths) Deduped(worker string, batchID uint64) string {
	return fmt.Sprintf("%s/%s/deduped_%d.parquet", p.Base, worker, batchID)
}

// sanitizeRelName makes a worker name safe to embed in a relation name.
func sanitizeRelName(worker string) string {
	s := strings.ToLower(worker)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}
