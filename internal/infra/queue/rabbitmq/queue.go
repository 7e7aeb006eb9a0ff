package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/domain/ports/adapter"
	"coach-chat-jobs/internal/infra/logging"
)

var (
	_ adapter.JobDispatcher = (*Queue)(nil)
	_ adapter.JobSource     = (*Queue)(nil)
)

type jobMessage struct {
	JobID string `json:"job_id"`
}

// Queue carries job ids from submitters to executors. Only ids travel; the job
// itself is always re-read from the store.
type Queue struct {
	client      *Client
	consumerTag string
	prefetch    int
	log         *zerolog.Logger
}

func NewQueue(client *Client, consumerTag string, prefetch int, logger *zerolog.Logger) *Queue {
	return &Queue{client: client, consumerTag: consumerTag, prefetch: prefetch, log: logging.Component(logger, "JobQueue")}
}

func (q *Queue) Dispatch(ctx context.Context, jobID string) error {
	body, err := json.Marshal(jobMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return q.client.PublishWithRetry(ctx, body, "application/json")
}

func (q *Queue) Deliveries(ctx context.Context) (<-chan adapter.Delivery, error) {
	raw, err := q.client.Consume(q.consumerTag, q.prefetch)
	if err != nil {
		return nil, err
	}
	out := make(chan adapter.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					q.log.Warn().Msg("RabbitMQ delivery channel closed")
					return
				}
				var msg jobMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
					q.log.Error().Err(err).Str("body", string(d.Body)).Msg("malformed job message")
					// malformed messages are dropped (dead-lettered if the queue has a DLX)
					_ = d.Nack(false, false)
					continue
				}
				select {
				case out <- &delivery{d: d, jobID: msg.JobID}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

type delivery struct {
	d     amqp.Delivery
	jobID string
}

func (d *delivery) JobID() string { return d.jobID }
func (d *delivery) Ack() error    { return d.d.Ack(false) }
func (d *delivery) Nack(requeue bool) error {
	if err := d.d.Nack(false, requeue); err != nil {
		return fmt.Errorf("nack %s: %w", d.jobID, err)
	}
	return nil
}
