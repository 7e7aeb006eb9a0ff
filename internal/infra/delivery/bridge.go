// Package delivery routes execution events to the live channel attached to each job.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/adapter"
	"coach-chat-jobs/internal/infra/logging"
	"coach-chat-jobs/internal/infra/metrics"
)

var _ adapter.EventPublisher = (*Bridge)(nil)

const defaultSendTimeout = 5 * time.Second

// Bridge keeps at most one live channel per job id in memory. Delivery is best
// effort: a channel that fails a send is dropped and never retried.
type Bridge struct {
	mu          sync.Mutex
	channels    map[string]adapter.LiveChannel
	sendTimeout time.Duration
	log         *zerolog.Logger
}

func NewBridge(logger *zerolog.Logger) *Bridge {
	return &Bridge{
		channels:    make(map[string]adapter.LiveChannel),
		sendTimeout: defaultSendTimeout,
		log:         logging.Component(logger, "DeliveryBridge"),
	}
}

// Register attaches ch to jobID. A channel already attached to the job is replaced and closed.
func (b *Bridge) Register(jobID string, ch adapter.LiveChannel) {
	b.mu.Lock()
	prev := b.channels[jobID]
	b.channels[jobID] = ch
	n := len(b.channels)
	b.mu.Unlock()

	metrics.SetLiveChannels(n)
	if prev != nil && prev != ch {
		_ = prev.Close()
		b.log.Debug().Str("job_id", jobID).Msg("live channel replaced")
	}
}

// Unregister detaches ch if it is still the job's channel.
func (b *Bridge) Unregister(jobID string, ch adapter.LiveChannel) {
	b.mu.Lock()
	removed := false
	if cur, ok := b.channels[jobID]; ok && cur == ch {
		delete(b.channels, jobID)
		removed = true
	}
	n := len(b.channels)
	b.mu.Unlock()
	if removed {
		metrics.SetLiveChannels(n)
	}
}

func (b *Bridge) Lookup(jobID string) (adapter.LiveChannel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[jobID]
	return ch, ok
}

func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Publish delivers e in-process. It never fails: an event without a listener is simply discarded.
func (b *Bridge) Publish(ctx context.Context, e model.Event) error {
	b.Deliver(ctx, e)
	return nil
}

// Deliver forwards e to the job's channel. The channel is detached after a failed
// send or after a terminal event.
func (b *Bridge) Deliver(ctx context.Context, e model.Event) {
	ch, ok := b.Lookup(e.JobID)
	if !ok {
		metrics.IncLiveEvent(string(e.Type), "no_channel")
		return
	}

	sctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	err := ch.Send(sctx, e)
	cancel()
	if err != nil {
		metrics.IncLiveEvent(string(e.Type), "dropped")
		b.log.Debug().Err(err).Str("job_id", e.JobID).Str("event", string(e.Type)).Msg("live channel send failed; detaching")
		b.Unregister(e.JobID, ch)
		_ = ch.Close()
		return
	}
	metrics.IncLiveEvent(string(e.Type), "sent")

	if e.IsTerminal() {
		b.Unregister(e.JobID, ch)
		_ = ch.Close()
	}
}

// CloseAll detaches and closes every channel, used on shutdown.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	chans := b.channels
	b.channels = make(map[string]adapter.LiveChannel)
	b.mu.Unlock()
	for _, ch := range chans {
		_ = ch.Close()
	}
	metrics.SetLiveChannels(0)
}
