// Package memory is an in-process dispatch queue for single-process dev runs.
package memory

import (
	"context"
	"errors"

	"coach-chat-jobs/internal/domain/ports/adapter"
)

var (
	_ adapter.JobDispatcher = (*Queue)(nil)
	_ adapter.JobSource     = (*Queue)(nil)
)

var ErrQueueFull = errors.New("dispatch queue full")

// Queue is a buffered channel of job ids. A full buffer rejects the dispatch;
// the job stays pending and is redispatched later.
type Queue struct {
	ch chan adapter.Delivery
}

func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Queue{ch: make(chan adapter.Delivery, buffer)}
}

func (q *Queue) Dispatch(ctx context.Context, jobID string) error {
	select {
	case q.ch <- &delivery{q: q, jobID: jobID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *Queue) Deliveries(ctx context.Context) (<-chan adapter.Delivery, error) {
	return q.ch, nil
}

func (q *Queue) Len() int { return len(q.ch) }

type delivery struct {
	q     *Queue
	jobID string
}

func (d *delivery) JobID() string { return d.jobID }
func (d *delivery) Ack() error    { return nil }

func (d *delivery) Nack(requeue bool) error {
	if !requeue {
		return nil
	}
	return d.q.Dispatch(context.Background(), d.jobID)
}
