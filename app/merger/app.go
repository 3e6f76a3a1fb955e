// Package merger wires the merge pipeline: the export feed, the checkpoint
// queues, the DuckDB engine and the Temporal workers that drive batch merges.
package merger

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/db/progress"
	"github.com/open-data-works/goldsink/pkg/engine/duckdb"
	"github.com/open-data-works/goldsink/pkg/feed"
	"github.com/open-data-works/goldsink/pkg/logging"
	"github.com/open-data-works/goldsink/pkg/merge"
	"github.com/open-data-works/goldsink/pkg/merger/activity"
	"github.com/open-data-works/goldsink/pkg/merger/types"
	"github.com/open-data-works/goldsink/pkg/merger/workflow"
	"github.com/open-data-works/goldsink/pkg/queue"
	"github.com/open-data-works/goldsink/pkg/redis"
	"github.com/open-data-works/goldsink/pkg/temporal"
	"github.com/open-data-works/goldsink/pkg/utils"
)

type App struct {
	Logger         *zap.Logger
	TemporalClient *temporal.Client

	ActivityContext *activity.Context
	WorkflowContext workflow.Context

	// ManagerWorker serves the scan schedule; MergeWorkers serve one
	// per-worker queue each.
	ManagerWorker worker.Worker
	MergeWorkers  []worker.Worker

	Engine   *duckdb.Engine
	Progress *progress.Store
	Registry *queue.Registry

	Server *http.Server
}

// Initialize builds the application from the environment. Beyond the
// connection settings of the individual packages it reads:
//   - MERGE_WORKERS: comma-separated worker (table) names to serve
//   - MERGE_DEST: destination root for batch artifacts (default gs://<bucket>/merged)
//   - MERGE_KEY: record identifier column (default "id")
//   - QUEUE_MAX_SIZE: per-pass consumption cap per worker queue (default 1000)
//   - EMIT_DEDUPED: also refresh legacy deduplicated views (default false)
//   - REDIS_ENABLED: publish merge events to Redis streams (default false)
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	workers := splitWorkers(utils.Env("MERGE_WORKERS", ""))
	if len(workers) == 0 {
		logger.Fatal("MERGE_WORKERS environment variable is required")
	}

	progressStore, err := progress.New(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to initialize progress store", zap.Error(err))
	}

	eng, err := duckdb.New(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to initialize query engine", zap.Error(err))
	}

	exportFeed, err := feed.New(logger)
	if err != nil {
		logger.Fatal("Unable to initialize export feed", zap.Error(err))
	}

	registry := queue.NewRegistry(utils.EnvInt("QUEUE_MAX_SIZE", 1000))

	dest := utils.Env("MERGE_DEST", "")
	if dest == "" {
		dest = "gs://" + utils.Env("GOLDSKY_BUCKET", "") + "/merged"
	}
	batchMerger := &merge.Merger{
		Engine: eng,
		Paths:  merge.Paths{Base: dest},
		Logger: logger,
		Key:    utils.Env("MERGE_KEY", merge.DefaultKey),
		Gaps:   progressStore,
	}

	var events *redis.Client
	if utils.EnvBool("REDIS_ENABLED", false) {
		events, err = redis.NewClient(ctx, logger)
		if err != nil {
			// Events are best-effort; the pipeline runs without them.
			logger.Warn("Unable to connect to Redis, merge events disabled", zap.Error(err))
			events = nil
		}
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}

	activityContext := &activity.Context{
		Logger:      logger,
		Registry:    registry,
		Feed:        exportFeed,
		Planner:     &merge.Planner{Registry: registry, Logger: logger},
		Merger:      batchMerger,
		Progress:    progressStore,
		Temporal:    temporalClient,
		Events:      events,
		EmitDeduped: utils.EnvBool("EMIT_DEDUPED", false),
	}
	workflowContext := workflow.Context{
		TemporalClient:  temporalClient,
		ActivityContext: activityContext,
	}

	managerWorker := worker.New(
		temporalClient.TClient,
		temporalClient.GetManagerQueue(),
		worker.Options{
			MaxConcurrentWorkflowTaskPollers: 5,
			MaxConcurrentActivityTaskPollers: 5,
			WorkerStopTimeout:                1 * time.Minute,
		},
	)
	managerWorker.RegisterWorkflowWithOptions(
		workflowContext.ScanWorkflow,
		temporalworkflow.RegisterOptions{Name: types.ScanWorkflowName},
	)
	managerWorker.RegisterActivity(activityContext.ScanExports)
	managerWorker.RegisterActivity(activityContext.TriggerMerges)

	mergeWorkers := make([]worker.Worker, 0, len(workers))
	for _, w := range workers {
		mergeWorker := worker.New(
			temporalClient.TClient,
			temporalClient.GetMergeQueue(w),
			worker.Options{
				MaxConcurrentWorkflowTaskPollers: 2,
				MaxConcurrentActivityTaskPollers: 2,
				// One merge at a time per worker; batches for a table must
				// land in id order.
				MaxConcurrentWorkflowTaskExecutionSize: 1,
				MaxConcurrentActivityExecutionSize:     1,
				WorkerStopTimeout:                      1 * time.Minute,
			},
		)
		mergeWorker.RegisterWorkflowWithOptions(
			workflowContext.MergeWorkerWorkflow,
			temporalworkflow.RegisterOptions{Name: types.MergeWorkerWorkflowName},
		)
		mergeWorker.RegisterActivity(activityContext.PlanBatch)
		mergeWorker.RegisterActivity(activityContext.MergeBatch)
		mergeWorker.RegisterActivity(activityContext.RecordMerged)
		mergeWorker.RegisterActivity(activityContext.RemoveDupes)
		mergeWorkers = append(mergeWorkers, mergeWorker)
	}

	app := &App{
		Logger:          logger,
		TemporalClient:  temporalClient,
		ActivityContext: activityContext,
		WorkflowContext: workflowContext,
		ManagerWorker:   managerWorker,
		MergeWorkers:    mergeWorkers,
		Engine:          eng,
		Progress:        progressStore,
		Registry:        registry,
	}
	app.SetupServer()

	logger.Info("Merger initialized",
		zap.Strings("workers", workers),
		zap.String("dest", dest))
	return app
}

// EnsureScanSchedule creates the periodic export scan schedule if it does
// not exist yet.
func (a *App) EnsureScanSchedule(ctx context.Context) error {
	id := a.TemporalClient.GetScanScheduleID()
	h := a.TemporalClient.TSClient.GetHandle(ctx, id)
	_, err := h.Describe(ctx)
	if err == nil {
		a.Logger.Info("Scan schedule already exists", zap.String("id", id))
		return nil
	}
	var notFound *serviceerror.NotFound
	if !errors.As(err, &notFound) {
		return err
	}

	spec := a.TemporalClient.OneMinuteSpec()
	interval := time.Minute
	if secs := utils.EnvInt("SCAN_INTERVAL_SECONDS", 60); secs != 60 {
		interval = time.Duration(secs) * time.Second
		spec = a.TemporalClient.GetScheduleSpec(interval)
	}
	a.Logger.Info("Creating scan schedule",
		zap.String("id", id),
		zap.Duration("interval", interval))

	_, err = a.TemporalClient.TSClient.Create(ctx, client.ScheduleOptions{
		ID:   id,
		Spec: spec,
		Action: &client.ScheduleWorkflowAction{
			Workflow:                 types.ScanWorkflowName,
			TaskQueue:                a.TemporalClient.GetManagerQueue(),
			WorkflowExecutionTimeout: 30 * time.Minute,
			WorkflowTaskTimeout:      2 * time.Minute,
		},
	})
	return err
}

// Start starts the workers and the status server and blocks until the
// context is canceled.
func (a *App) Start(ctx context.Context) {
	if err := a.ManagerWorker.Start(); err != nil {
		a.Logger.Fatal("Unable to start manager worker", zap.Error(err))
	}
	for _, w := range a.MergeWorkers {
		if err := w.Start(); err != nil {
			a.Logger.Fatal("Unable to start merge worker", zap.Error(err))
		}
	}

	if err := a.EnsureScanSchedule(ctx); err != nil {
		a.Logger.Fatal("Unable to ensure scan schedule", zap.Error(err))
	}

	go func() { _ = a.Server.ListenAndServe() }()

	<-ctx.Done()
	a.Stop()
}

// Stop stops the workers and closes every connection.
func (a *App) Stop() {
	_ = a.Server.Close()
	a.ManagerWorker.Stop()
	for _, w := range a.MergeWorkers {
		w.Stop()
	}
	if err := a.Engine.Close(); err != nil {
		a.Logger.Warn("Failed to close query engine", zap.Error(err))
	}
	if err := a.Progress.Close(); err != nil {
		a.Logger.Warn("Failed to close progress store", zap.Error(err))
	}
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("Shutdown complete")
}

func splitWorkers(raw string) []string {
	parts := strings.Split(raw, ",")
	workers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			workers = append(workers, p)
		}
	}
	return workers
}
