package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/infra/logging"
)

// Locker elects one node per pass. The redis locker satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// Maintenance is the set of periodic passes over the job store.
type Maintenance interface {
	ReapStale(ctx context.Context) (int, error)
	RedispatchPending(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// ReaperWorker fails jobs whose lease ran out and re-dispatches pending jobs
// whose dispatch message may have been lost.
type ReaperWorker struct {
	interval time.Duration
	uc       Maintenance
	locker   Locker
	log      *zerolog.Logger
}

func NewReaperWorker(interval time.Duration, uc Maintenance, locker Locker, logger *zerolog.Logger) *ReaperWorker {
	return &ReaperWorker{interval: interval, uc: uc, locker: locker, log: logging.Component(logger, "ReaperWorker")}
}

func (w *ReaperWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting reaper worker")
	return runEvery(ctx, w.interval, func(ctx context.Context) {
		withLock(ctx, w.locker, "chat-jobs:reaper", w.interval, w.log, w.pass)
	}, w.log)
}

func (w *ReaperWorker) pass(ctx context.Context) {
	n, err := w.uc.ReapStale(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("reap stale jobs")
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("stale jobs failed")
	}
	n, err = w.uc.RedispatchPending(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("redispatch pending jobs")
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("pending jobs redispatched")
	}
}

// RetentionWorker deletes terminal jobs past the retention window.
type RetentionWorker struct {
	interval time.Duration
	uc       Maintenance
	locker   Locker
	log      *zerolog.Logger
}

func NewRetentionWorker(interval time.Duration, uc Maintenance, locker Locker, logger *zerolog.Logger) *RetentionWorker {
	return &RetentionWorker{interval: interval, uc: uc, locker: locker, log: logging.Component(logger, "RetentionWorker")}
}

func (w *RetentionWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting retention worker")
	return runEvery(ctx, w.interval, func(ctx context.Context) {
		withLock(ctx, w.locker, "chat-jobs:retention", w.interval, w.log, func(ctx context.Context) {
			n, err := w.uc.PurgeExpired(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("purge expired jobs")
			}
			if n > 0 {
				w.log.Info().Int64("count", n).Msg("expired jobs purged")
			}
		})
	}, w.log)
}

func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context), log *zerolog.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping worker")
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// withLock runs fn when this node wins key. A nil locker always runs.
func withLock(ctx context.Context, locker Locker, key string, ttl time.Duration, log *zerolog.Logger, fn func(context.Context)) {
	if locker == nil {
		fn(ctx)
		return
	}
	token, err := locker.TryLock(ctx, key, ttl)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("maintenance lock not acquired")
		return
	}
	defer func() {
		if err := locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("release maintenance lock")
		}
	}()
	fn(ctx)
}
