// Package redis publishes merge lifecycle events to Redis streams so
// downstream readers can react to new batch artifacts without polling the
// bucket.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/utils"
)

const (
	// DefaultStreamMaxLen caps stream length; old entries are trimmed.
	DefaultStreamMaxLen = 10000

	// MergeStream carries one entry per published batch.
	MergeStream = "goldsink:merges"
)

// Client wraps the Redis client for merge event notifications.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64
}

// NewClient creates a Redis client from the environment:
//   - REDIS_HOST (default "localhost"), REDIS_PORT (default "6379")
//   - REDIS_PASSWORD, REDIS_DB
//   - REDIS_STREAM_MAXLEN (default 10000, 0 = unlimited)
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: utils.Env("REDIS_PASSWORD", ""),
		DB:       utils.EnvInt("REDIS_DB", 0),

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to Redis at %s: %w", addr, err)
	}

	streamMaxLen := utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)
	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int64("streamMaxLen", streamMaxLen))

	return &Client{client: rdb, logger: logger, streamMaxLen: streamMaxLen}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// XAdd adds an entry to a stream, trimming to the configured max length.
// Best-effort: failures are logged, never propagated, so event publishing
// cannot fail a merge.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", stream),
			zap.Error(err))
		return ""
	}
	return id
}

// PublishMerged emits a merge.completed event for a published batch.
func (c *Client) PublishMerged(ctx context.Context, worker string, batchID, lastCheckpoint, rows uint64) {
	c.XAdd(ctx, MergeStream, map[string]interface{}{
		"event":           "merge.completed",
		"worker":          worker,
		"batch_id":        batchID,
		"last_checkpoint": lastCheckpoint,
		"rows":            rows,
		"merged_at":       time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// XRange returns entries from a stream between two IDs (inclusive).
func (c *Client) XRange(ctx context.Context, stream, start, end string, count int64) ([]redis.XMessage, error) {
	return c.client.XRangeN(ctx, stream, start, end, count).Result()
}
