package activity

import (
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/db/progress"
	"github.com/open-data-works/goldsink/pkg/feed"
	"github.com/open-data-works/goldsink/pkg/merge"
	"github.com/open-data-works/goldsink/pkg/queue"
	"github.com/open-data-works/goldsink/pkg/redis"
	"github.com/open-data-works/goldsink/pkg/temporal"
)

type Context struct {
	Logger   *zap.Logger
	Registry *queue.Registry
	Feed     *feed.Feed
	Planner  *merge.Planner
	Merger   *merge.Merger
	Progress *progress.Store
	Temporal *temporal.Client

	// Events is optional; a nil client disables stream notifications.
	Events *redis.Client

	// EmitDeduped also refreshes the legacy deduplicated views after each
	// merge.
	EmitDeduped bool
}
