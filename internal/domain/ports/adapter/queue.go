package adapter

import "context"

// JobDispatcher enqueues "job created" notifications for executors.
type JobDispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Delivery is one dispatched job id handed to a consumer.
type Delivery interface {
	JobID() string
	Ack() error
	Nack(requeue bool) error
}

// JobSource yields dispatched jobs until ctx is done or the source closes.
type JobSource interface {
	Deliveries(ctx context.Context) (<-chan Delivery, error)
}
