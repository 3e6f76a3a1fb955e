// Package feed discovers checkpointed export blobs in object storage and
// enqueues them for batch planning. Blob names carry the worker and
// checkpoint; arrival order is arbitrary and nothing on the wire is assumed
// ordered.
package feed

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/queue"
	"github.com/open-data-works/goldsink/pkg/utils"
)

// DefaultBlobPattern matches `{worker}/...{checkpoint}.parquet` blob names
// under the configured prefix. Override with GOLDSKY_BLOB_PATTERN; the
// expression must define `worker` and `checkpoint` named groups.
const DefaultBlobPattern = `^(?P<worker>[^/]+)/(?:.*[^0-9])?(?P<checkpoint>\d+)\.parquet$`

// CheckpointFloor reports the last merged checkpoint for a worker; blobs at
// or below the floor are already part of a published batch and are skipped.
type CheckpointFloor func(ctx context.Context, worker string) (uint64, error)

// Feed lists the export bucket and feeds checkpoint items into the registry.
type Feed struct {
	Logger  *zap.Logger
	Client  *minio.Client
	Bucket  string
	Prefix  string
	Pattern *regexp.Regexp

	// ScanParallelism bounds the per-worker ingest pool (default 8).
	ScanParallelism int
}

// New builds a feed from the environment:
//   - GOLDSKY_ENDPOINT: object store endpoint (default storage.googleapis.com)
//   - GOLDSKY_BUCKET: export bucket name
//   - GOLDSKY_PREFIX: key prefix to scan under
//   - GCS_KEY_ID / GCS_SECRET: HMAC credentials
//   - GOLDSKY_BLOB_PATTERN: blob name pattern (see DefaultBlobPattern)
func New(logger *zap.Logger) (*Feed, error) {
	endpoint := utils.Env("GOLDSKY_ENDPOINT", "storage.googleapis.com")
	bucket := utils.Env("GOLDSKY_BUCKET", "")
	if bucket == "" {
		return nil, fmt.Errorf("GOLDSKY_BUCKET is required")
	}
	prefix := utils.Env("GOLDSKY_PREFIX", "")
	patternStr := utils.Env("GOLDSKY_BLOB_PATTERN", DefaultBlobPattern)

	pattern, err := regexp.Compile(patternStr)
	if err != nil {
		return nil, fmt.Errorf("compile blob pattern %q: %w", patternStr, err)
	}
	if pattern.SubexpIndex("worker") < 0 || pattern.SubexpIndex("checkpoint") < 0 {
		return nil, fmt.Errorf("blob pattern %q must define worker and checkpoint groups", patternStr)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(utils.Env("GCS_KEY_ID", ""), utils.Env("GCS_SECRET", ""), ""),
		Secure: utils.EnvBool("GOLDSKY_SECURE", true),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store %s: %w", endpoint, err)
	}

	logger.Info("Export feed ready",
		zap.String("endpoint", endpoint),
		zap.String("bucket", bucket),
		zap.String("prefix", prefix))

	return &Feed{
		Logger:          logger,
		Client:          client,
		Bucket:          bucket,
		Prefix:          prefix,
		Pattern:         pattern,
		ScanParallelism: utils.EnvInt("GOLDSKY_SCAN_PARALLELISM", 8),
	}, nil
}

// entry is one parsed blob awaiting enqueue.
type entry struct {
	worker     string
	checkpoint uint64
	blobRef    string
}

// Scan lists the bucket under the prefix, parses blob names and enqueues
// every checkpoint above the worker's floor. Returns the number of offered
// items per worker; the registry drops offers for blobs it already holds.
// Unparseable names are skipped, not errors.
func (f *Feed) Scan(ctx context.Context, registry *queue.Registry, floor CheckpointFloor) (map[string]int, error) {
	var entries []entry
	objects := f.Client.ListObjects(ctx, f.Bucket, minio.ListObjectsOptions{
		Prefix:    f.Prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("list blobs in %s/%s: %w", f.Bucket, f.Prefix, obj.Err)
		}
		worker, checkpoint, ok := f.parse(obj.Key)
		if !ok {
			f.Logger.Debug("Skipping blob with unrecognized name", zap.String("key", obj.Key))
			continue
		}
		entries = append(entries, entry{worker: worker, checkpoint: checkpoint, blobRef: obj.Key})
	}

	return f.ingest(ctx, entries, registry, floor)
}

// parse extracts (worker, checkpoint) from a blob key, relative to the
// configured prefix.
func (f *Feed) parse(key string) (string, uint64, bool) {
	name := strings.TrimPrefix(key, f.Prefix)
	name = strings.TrimPrefix(name, "/")

	match := f.Pattern.FindStringSubmatch(name)
	if match == nil {
		return "", 0, false
	}
	worker := match[f.Pattern.SubexpIndex("worker")]
	checkpoint, err := strconv.ParseUint(match[f.Pattern.SubexpIndex("checkpoint")], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return worker, checkpoint, true
}

// ingest groups entries by worker and enqueues them concurrently, one task
// per worker, so a slow floor lookup for one stream never stalls the others.
func (f *Feed) ingest(ctx context.Context, entries []entry, registry *queue.Registry, floor CheckpointFloor) (map[string]int, error) {
	byWorker := make(map[string][]entry)
	for _, e := range entries {
		byWorker[e.worker] = append(byWorker[e.worker], e)
	}

	parallelism := f.ScanParallelism
	if parallelism < 1 {
		parallelism = 8
	}
	pool := pond.NewPool(parallelism)

	var mu sync.Mutex
	counts := make(map[string]int, len(byWorker))
	var firstErr error

	for worker, workerEntries := range byWorker {
		pool.Submit(func() {
			floorCp, err := floor(ctx, worker)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("checkpoint floor for %s: %w", worker, err)
				}
				mu.Unlock()
				return
			}

			enqueued := 0
			for _, e := range workerEntries {
				if e.checkpoint <= floorCp {
					continue
				}
				registry.Enqueue(worker, queue.Item{Checkpoint: e.checkpoint, BlobRef: e.blobRef})
				enqueued++
			}

			mu.Lock()
			counts[worker] = enqueued
			mu.Unlock()
		})
	}

	pool.StopAndWait()
	if firstErr != nil {
		return nil, firstErr
	}
	return counts, nil
}
