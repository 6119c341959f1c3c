package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

type Options struct {
	MaxRetry int
	Timeout  time.Duration
	// Retention keeps finished tasks around so a late duplicate dispatch for
	// the same job is still rejected by task id.
	Retention time.Duration
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client dispatches confirmed jobs to the worker queue.
type Client struct {
	client enqueuer
	queue  string
	opts   Options
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, opts Options, logger logrus.FieldLogger) *Client {
	return newClient(asynq.NewClient(redisOpt), queueName, opts, logger)
}

func newClient(e enqueuer, queueName string, opts Options, logger logrus.FieldLogger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		client: e,
		queue:  queueName,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Dispatch enqueues the job under its own id as task id, so dispatching the
// same job twice leaves a single task.
func (c *Client) Dispatch(ctx context.Context, jobID, paymentReference string) error {
	task, err := NewRunAnalysisTask(RunAnalysisPayload{
		JobID:            jobID,
		PaymentReference: paymentReference,
		ConfirmedAt:      c.now().UTC(),
	})
	if err != nil {
		return err
	}

	info, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.Timeout(c.opts.Timeout),
		asynq.Retention(c.opts.Retention),
	)
	log := c.logger.WithFields(logrus.Fields{"job_id": jobID, "queue": c.queue})
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		log.Info("analysis task already enqueued")
		return nil
	case err != nil:
		return fmt.Errorf("enqueue analysis task: %w", err)
	}

	log.WithField("task_id", info.ID).Info("analysis task enqueued")
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
