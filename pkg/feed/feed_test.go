package feed

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/queue"
)

func newTestFeed(prefix string) *Feed {
	return &Feed{
		Logger:          zap.NewNop(),
		Prefix:          prefix,
		Pattern:         regexp.MustCompile(DefaultBlobPattern),
		ScanParallelism: 4,
	}
}

func TestParseBlobNames(t *testing.T) {
	f := newTestFeed("exports")

	tests := []struct {
		name       string
		key        string
		worker     string
		checkpoint uint64
		ok         bool
	}{
		{"plain", "exports/transfers/1042.parquet", "transfers", 1042, true},
		{"dashed suffix", "exports/logs/part-000017.parquet", "logs", 17, true},
		{"nested", "exports/blocks/2024/08/batch_99.parquet", "blocks", 99, true},
		{"no checkpoint", "exports/transfers/latest.parquet", "", 0, false},
		{"wrong extension", "exports/transfers/1042.csv", "", 0, false},
		{"manifest", "exports/_manifest.json", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker, checkpoint, ok := f.parse(tt.key)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.worker, worker)
				assert.Equal(t, tt.checkpoint, checkpoint)
			}
		})
	}
}

func TestIngestSkipsAtOrBelowFloor(t *testing.T) {
	f := newTestFeed("")
	registry := queue.NewRegistry(100)

	entries := []entry{
		{worker: "transfers", checkpoint: 5, blobRef: "transfers/5.parquet"},
		{worker: "transfers", checkpoint: 10, blobRef: "transfers/10.parquet"},
		{worker: "transfers", checkpoint: 15, blobRef: "transfers/15.parquet"},
		{worker: "logs", checkpoint: 3, blobRef: "logs/3.parquet"},
	}
	floor := func(_ context.Context, worker string) (uint64, error) {
		if worker == "transfers" {
			return 10, nil
		}
		return 0, nil
	}

	counts, err := f.ingest(context.Background(), entries, registry, floor)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"transfers": 1, "logs": 1}, counts)
	assert.Equal(t, 1, registry.Len("transfers"))
	assert.Equal(t, 1, registry.Len("logs"))

	item := registry.Dequeue("transfers")
	require.NotNil(t, item)
	assert.Equal(t, uint64(15), item.Checkpoint)
}

func TestIngestRescanDoesNotGrowQueue(t *testing.T) {
	f := newTestFeed("")
	registry := queue.NewRegistry(100)

	entries := []entry{
		{worker: "transfers", checkpoint: 11, blobRef: "transfers/11.parquet"},
		{worker: "transfers", checkpoint: 12, blobRef: "transfers/12.parquet"},
	}
	floor := func(_ context.Context, _ string) (uint64, error) {
		return 10, nil
	}

	// Two scans land before any merge advances the floor; the second one
	// must not queue the same blobs again.
	_, err := f.ingest(context.Background(), entries, registry, floor)
	require.NoError(t, err)
	_, err = f.ingest(context.Background(), entries, registry, floor)
	require.NoError(t, err)

	assert.Equal(t, 2, registry.Len("transfers"))
}

func TestIngestPropagatesFloorErrors(t *testing.T) {
	f := newTestFeed("")
	registry := queue.NewRegistry(100)

	entries := []entry{
		{worker: "transfers", checkpoint: 5, blobRef: "transfers/5.parquet"},
	}
	floor := func(_ context.Context, _ string) (uint64, error) {
		return 0, errors.New("progress store unreachable")
	}

	_, err := f.ingest(context.Background(), entries, registry, floor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transfers")
}

func TestIngestEmptyListing(t *testing.T) {
	f := newTestFeed("")
	registry := queue.NewRegistry(100)

	counts, err := f.ingest(context.Background(), nil, registry, func(_ context.Context, _ string) (uint64, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, counts)
}
