package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// WatchTimeout bounds a single watch attempt. Renders that outlive it are
// picked up again by the retry.
const WatchTimeout = 2 * time.Hour

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueWatchRender schedules one watch per job id; a second enqueue for the
// same job fails with asynq.ErrTaskIDConflict while the first is pending.
func (c *Client) EnqueueWatchRender(ctx context.Context, payload WatchRenderPayload) (*asynq.TaskInfo, error) {
	task, err := NewWatchRenderTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID("watch:"+payload.JobID),
		asynq.MaxRetry(3),
		asynq.Timeout(WatchTimeout),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
