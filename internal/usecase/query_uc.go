package usecase

import (
	"context"
	"errors"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/repository"
)

var _ JobQueryUseCase = (*jobQueryUC)(nil)

// JobQueryUseCase is the read-only polling path. Every lookup is ownership-checked;
// a job owned by someone else is indistinguishable from a missing one.
type JobQueryUseCase interface {
	GetStatus(ctx context.Context, jobID, tenantID, userID string) (*model.JobSnapshot, error)
	GetActiveForSession(ctx context.Context, sessionID, tenantID, userID string) (*model.JobSnapshot, error)
}

type jobQueryUC struct {
	jobs     repository.JobRepository
	sessions repository.ChatSessionRepository
}

func NewJobQueryUseCase(jobs repository.JobRepository, sessions repository.ChatSessionRepository) *jobQueryUC {
	return &jobQueryUC{jobs: jobs, sessions: sessions}
}

func (q *jobQueryUC) GetStatus(ctx context.Context, jobID, tenantID, userID string) (*model.JobSnapshot, error) {
	if jobID == "" || tenantID == "" || userID == "" {
		return nil, domain.ErrNotFound
	}
	job, err := q.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if !job.OwnedBy(tenantID, userID) {
		return nil, domain.ErrNotFound
	}
	snap := job.Snapshot()
	return &snap, nil
}

func (q *jobQueryUC) GetActiveForSession(ctx context.Context, sessionID, tenantID, userID string) (*model.JobSnapshot, error) {
	session, err := q.sessions.FindByID(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.OwnedBy(tenantID, userID) {
		return nil, domain.ErrNotFound
	}
	job, err := q.jobs.FindActiveBySession(ctx, nil, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if !job.OwnedBy(tenantID, userID) {
		return nil, domain.ErrNotFound
	}
	snap := job.Snapshot()
	return &snap, nil
}
