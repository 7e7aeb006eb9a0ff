package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/adapter"
	"coach-chat-jobs/internal/domain/ports/repository"
	"coach-chat-jobs/internal/infra/logging"
	"coach-chat-jobs/internal/infra/metrics"
)

type MaintenanceConfig struct {
	Batch           int
	RedispatchAfter time.Duration
	Retention       time.Duration
}

// MaintenanceUseCase recovers jobs abandoned by dead workers or lost dispatches
// and purges old terminal jobs.
type MaintenanceUseCase struct {
	cfg        MaintenanceConfig
	jobs       repository.JobRepository
	dispatcher adapter.JobDispatcher
	events     adapter.EventPublisher
	now        func() time.Time
	log        *zerolog.Logger
}

func NewMaintenanceUseCase(cfg MaintenanceConfig, jobs repository.JobRepository, dispatcher adapter.JobDispatcher, events adapter.EventPublisher, logger *zerolog.Logger) *MaintenanceUseCase {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &MaintenanceUseCase{
		cfg:        cfg,
		jobs:       jobs,
		dispatcher: dispatcher,
		events:     events,
		now:        time.Now,
		log:        logging.Component(logger, "MaintenanceUseCase"),
	}
}

// ReapStale fails running jobs whose lease has expired and releases their sessions.
func (m *MaintenanceUseCase) ReapStale(ctx context.Context) (int, error) {
	now := m.now().UTC()
	jobErr := model.NewStaleJobError("job lease expired before it reached a terminal state")
	reaped, err := m.jobs.FailExpiredLeases(ctx, now, jobErr, m.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("fail expired leases: %w", err)
	}
	for _, j := range reaped {
		m.log.Warn().Str("job_id", j.ID).Str("session_id", j.SessionID).Str("worker_id", j.WorkerID).Msg("stale job failed")
		if m.events != nil {
			if err := m.events.Publish(ctx, model.FailureEvent(j.ID, jobErr)); err != nil {
				m.log.Debug().Err(err).Str("job_id", j.ID).Msg("failure event not published")
			}
		}
	}
	metrics.AddJobsReaped(len(reaped))
	return len(reaped), nil
}

// RedispatchPending re-enqueues pending jobs whose dispatch appears lost.
func (m *MaintenanceUseCase) RedispatchPending(ctx context.Context) (int, error) {
	if m.cfg.RedispatchAfter <= 0 {
		return 0, nil
	}
	now := m.now().UTC()
	pending, err := m.jobs.ClaimForRedispatch(ctx, now.Add(-m.cfg.RedispatchAfter), now, m.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("select pending jobs: %w", err)
	}
	sent := 0
	for _, j := range pending {
		if err := m.dispatcher.Dispatch(ctx, j.ID); err != nil {
			m.log.Warn().Err(err).Str("job_id", j.ID).Msg("redispatch failed")
			continue
		}
		sent++
	}
	if sent > 0 {
		m.log.Info().Int("count", sent).Msg("pending jobs redispatched")
	}
	metrics.AddJobsRedispatched(sent)
	return sent, nil
}

// PurgeExpired deletes terminal jobs that finished longer ago than the retention window.
func (m *MaintenanceUseCase) PurgeExpired(ctx context.Context) (int64, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := m.jobs.DeleteTerminalBefore(ctx, m.now().UTC().Add(-m.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	metrics.AddJobsPurged(n)
	return n, nil
}
