// File: internal/usecase/submission_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/adapter"
	"coach-chat-jobs/internal/domain/ports/repository"
	"coach-chat-jobs/internal/infra/logging"
	"coach-chat-jobs/internal/infra/metrics"
)

// Compile-time check
var _ SubmissionUseCase = (*submissionUC)(nil)

// JobHandle is returned to the caller once a job was accepted.
type JobHandle struct {
	JobID          string
	Status         model.JobStatus
	LiveChannelRef string
	PollingRef     string
}

func PollingRef(jobID string) string     { return "job/" + jobID }
func LiveChannelRef(jobID string) string { return "job/" + jobID + "/live" }

type SubmissionUseCase interface {
	Submit(ctx context.Context, sessionID, userID, tenantID, message string) (*JobHandle, error)
}

// SubmissionLimiter bounds how often one caller may submit.
type SubmissionLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type submissionUC struct {
	jobs       repository.JobRepository
	sessions   repository.ChatSessionRepository
	dispatcher adapter.JobDispatcher
	limiter    SubmissionLimiter
	maxChars   int
	dev        bool
	now        func() time.Time
	newID      func() string
	log        *zerolog.Logger
}

// NewSubmissionUseCase wires the submission service. limiter may be nil.
func NewSubmissionUseCase(
	jobs repository.JobRepository,
	sessions repository.ChatSessionRepository,
	dispatcher adapter.JobDispatcher,
	limiter SubmissionLimiter,
	maxChars int,
	dev bool,
	logger *zerolog.Logger,
) *submissionUC {
	return &submissionUC{
		jobs:       jobs,
		sessions:   sessions,
		dispatcher: dispatcher,
		limiter:    limiter,
		maxChars:   maxChars,
		dev:        dev,
		now:        time.Now,
		newID:      func() string { return ulid.Make().String() },
		log:        logging.Component(logger, "SubmissionUseCase"),
	}
}

func (s *submissionUC) Submit(ctx context.Context, sessionID, userID, tenantID, message string) (*JobHandle, error) {
	ctx = logging.WithSessID(logging.WithUserID(logging.WithTenantID(ctx, tenantID), userID), sessionID)
	log := logging.With(ctx, s.log)

	message = strings.TrimSpace(message)
	if err := s.validate(sessionID, userID, tenantID, message); err != nil {
		metrics.IncJobRejected("validation")
		return nil, err
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, tenantID+":"+userID)
		if err != nil {
			// the limiter is advisory; an unreachable backend does not block submissions
			log.Warn().Err(err).Msg("submission rate limiter unavailable")
		} else if !ok {
			metrics.IncJobRejected("rate_limited")
			return nil, domain.ErrRateLimited
		}
	}

	session, err := s.sessions.FindByID(ctx, nil, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !session.OwnedBy(tenantID, userID) {
		return nil, domain.ErrNotFound
	}
	if !session.AcceptsMessages() {
		metrics.IncJobRejected("session_not_active")
		return nil, domain.ErrSessionNotActive
	}

	job := model.NewJob(s.newID(), tenantID, userID, sessionID, message, s.now().UTC())
	if err := s.jobs.Create(ctx, nil, job); err != nil {
		if errors.Is(err, domain.ErrConcurrentJob) {
			metrics.IncJobRejected("concurrent_job")
			return nil, domain.ErrConcurrentJob
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	// The job is durable at this point; a lost dispatch is picked up by the redispatcher.
	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("dispatch failed; job left for redispatch")
	}

	metrics.IncJobSubmitted()
	log.Info().
		Str("job_id", job.ID).
		Str("message", logging.Redact(message, s.dev)).
		Msg("job submitted")

	return &JobHandle{
		JobID:          job.ID,
		Status:         job.Status,
		LiveChannelRef: LiveChannelRef(job.ID),
		PollingRef:     PollingRef(job.ID),
	}, nil
}

func (s *submissionUC) validate(sessionID, userID, tenantID, message string) error {
	switch {
	case strings.TrimSpace(sessionID) == "":
		return fmt.Errorf("%w: session id is required", domain.ErrValidation)
	case tenantID == "" || userID == "":
		return fmt.Errorf("%w: caller identity is required", domain.ErrValidation)
	case message == "":
		return fmt.Errorf("%w: message must not be empty", domain.ErrValidation)
	case !utf8.ValidString(message):
		return fmt.Errorf("%w: message must be valid UTF-8", domain.ErrValidation)
	case s.maxChars > 0 && utf8.RuneCountInString(message) > s.maxChars:
		return fmt.Errorf("%w: message exceeds %d characters", domain.ErrValidation, s.maxChars)
	}
	return nil
}
