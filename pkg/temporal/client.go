// Package temporal holds the shared Temporal client, queue and schedule
// naming for the merge pipeline.
package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	workflowservicepb "go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"

	"github.com/open-data-works/goldsink/pkg/utils"
)

type Client struct {
	TClient   client.Client
	TSClient  client.ScheduleClient
	Namespace string

	// Task Queues
	ManagerQueue string // manager - bucket scans and batch planning.
	MergeQueue   string // merge:<worker> - per worker queue so merges for one worker never interleave.

	// Schedule IDs
	ScanScheduleID string

	// Workflow IDs
	MergeWorkflowId string
}

type Health struct {
	ConnectionOK bool                      `json:"connection_ok"`
	ManagerQueue []*taskqueuepb.PollerInfo `json:"manager_queue"`
}

func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", "goldsink")
	loggerWrapper := NewZapAdapter(logger)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))
	tClient, err := Dial(ctx, host, ns, loggerWrapper)
	if err != nil {
		return nil, err
	}

	if _, err = tClient.CheckHealth(ctx, nil); err != nil {
		return nil, err
	}

	return &Client{
		TClient:         tClient,
		TSClient:        tClient.ScheduleClient(),
		Namespace:       ns,
		ManagerQueue:    "manager",
		MergeQueue:      "merge:%s",
		ScanScheduleID:  "scan:exports",
		MergeWorkflowId: "merge:%s",
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// GetManagerQueue returns the manager queue.
func (c *Client) GetManagerQueue() string { return c.ManagerQueue }

// GetMergeQueue returns the merge queue for the given worker.
func (c *Client) GetMergeQueue(worker string) string {
	return fmt.Sprintf(c.MergeQueue, worker)
}

// GetScanScheduleID returns the schedule ID for the export bucket scan.
func (c *Client) GetScanScheduleID() string { return c.ScanScheduleID }

// GetMergeWorkflowId returns the workflow ID for a worker's merge loop. One
// id per worker means Temporal rejects a second concurrent run, which keeps
// batch merges for a worker strictly sequential.
func (c *Client) GetMergeWorkflowId(worker string) string {
	return fmt.Sprintf(c.MergeWorkflowId, worker)
}

// OneMinuteSpec returns a schedule spec for one minute.
func (c *Client) OneMinuteSpec() client.ScheduleSpec {
	return c.GetScheduleSpec(time.Minute)
}

// GetScheduleSpec returns a schedule spec for the given interval.
func (c *Client) GetScheduleSpec(interval time.Duration) client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: interval}}}
}

// Health returns the health of the Temporal client.
func (c *Client) Health(ctx context.Context) (Health, error) {
	h := Health{ConnectionOK: true}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	svc := c.TClient.WorkflowService()
	if svc != nil {
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservicepb.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.ManagerQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.ManagerQueue = rep.GetPollers()
		}
	}
	return h, nil
}
