package adapter

import (
	"context"

	"coach-chat-jobs/internal/domain/model"
)

// EventPublisher carries execution events from executors towards live channels.
// Publishing is best effort: callers never rely on an event being delivered.
type EventPublisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// LiveChannel is a client connection that receives events for a single job.
type LiveChannel interface {
	Send(ctx context.Context, e model.Event) error
	Close() error
}
