package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/adapter"
	"coach-chat-jobs/internal/infra/logging"
)

var _ adapter.EventPublisher = (*EventBus)(nil)

// EventBus relays job events from worker nodes to the API nodes holding live
// channels. Pub/sub is fire-and-forget, which matches the bridge's best-effort contract.
type EventBus struct {
	cli     *redis.Client
	channel string
	log     *zerolog.Logger
}

func NewEventBus(c *Client, channel string, logger *zerolog.Logger) *EventBus {
	if channel == "" {
		channel = "chatjobs:events"
	}
	return &EventBus{cli: c.cli, channel: channel, log: logging.Component(logger, "EventBus")}
}

func (b *EventBus) Publish(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.cli.Publish(ctx, b.channel, payload).Err()
}

// Subscribe feeds every received event to handle until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, handle func(ctx context.Context, e model.Event)) error {
	sub := b.cli.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Msg("event bus subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.channel)
			}
			var e model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.log.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			handle(ctx, e)
		}
	}
}
