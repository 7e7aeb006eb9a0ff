package worker

import (
	"context"

	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/domain/ports/adapter"
	"coach-chat-jobs/internal/infra/logging"
)

// JobExecutor runs one dispatched job. A non-nil error asks for redelivery.
type JobExecutor interface {
	Execute(ctx context.Context, jobID string) error
}

// JobConsumer feeds dispatched job ids from a source into the pool.
type JobConsumer struct {
	source   adapter.JobSource
	executor JobExecutor
	pool     *Pool
	log      *zerolog.Logger
}

func NewJobConsumer(source adapter.JobSource, executor JobExecutor, pool *Pool, logger *zerolog.Logger) *JobConsumer {
	return &JobConsumer{source: source, executor: executor, pool: pool, log: logging.Component(logger, "JobConsumer")}
}

// Run consumes until ctx is done or the source closes. A delivery is acked once its
// job has been handled and nacked with requeue when execution asks for a retry.
func (c *JobConsumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Deliveries(ctx)
	if err != nil {
		return err
	}
	c.log.Info().Int("workers", c.pool.Size()).Msg("job consumer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("job consumer stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.log.Warn().Msg("delivery channel closed")
				return nil
			}
			if d.JobID() == "" {
				c.log.Warn().Msg("delivery without job id; dropping")
				_ = d.Nack(false)
				continue
			}
			if err := c.pool.Submit(ctx, c.task(d)); err != nil {
				// shutting down; hand the job back for another executor
				if nackErr := d.Nack(true); nackErr != nil {
					c.log.Error().Err(nackErr).Str("job_id", d.JobID()).Msg("failed to NACK on shutdown")
				}
				return nil
			}
		}
	}
}

func (c *JobConsumer) task(d adapter.Delivery) Task {
	return func(ctx context.Context) error {
		if err := c.executor.Execute(ctx, d.JobID()); err != nil {
			c.log.Warn().Err(err).Str("job_id", d.JobID()).Msg("execution failed; requeueing")
			if nackErr := d.Nack(true); nackErr != nil {
				c.log.Error().Err(nackErr).Str("job_id", d.JobID()).Msg("failed to NACK")
			}
			return nil
		}
		if err := d.Ack(); err != nil {
			c.log.Error().Err(err).Str("job_id", d.JobID()).Msg("failed to ACK")
		}
		return nil
	}
}
