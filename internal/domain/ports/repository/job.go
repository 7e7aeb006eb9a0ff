package repository

import (
	"context"
	"time"

	"coach-chat-jobs/internal/domain/model"
)

// JobRepository is the job store: the single source of truth for job state.
// Every mutating method is a conditional write against the expected prior state.
type JobRepository interface {
	// Create persists a pending job and takes the session's active-job slot in the
	// same atomic step. It returns domain.ErrConcurrentJob when the slot is held.
	Create(ctx context.Context, tx Tx, job *model.Job) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)
	FindActiveBySession(ctx context.Context, tx Tx, sessionID string) (*model.Job, error)

	// Claim moves a pending job to running. domain.ErrJobNotClaimable if it is not pending.
	Claim(ctx context.Context, id, workerID string, now, leaseUntil time.Time) (*model.Job, error)
	ExtendLease(ctx context.Context, id, workerID string, now, leaseUntil time.Time) error
	// Checkpoint stores output, which must extend the stored output, and renews the lease.
	Checkpoint(ctx context.Context, id, workerID, output string, now, leaseUntil time.Time) error

	Complete(ctx context.Context, tx Tx, id, workerID string, c model.Completion, now time.Time) (*model.Job, error)
	// Fail moves a running job to failed. An empty workerID skips the lease holder check.
	Fail(ctx context.Context, tx Tx, id, workerID string, jobErr model.JobError, now time.Time) (*model.Job, error)

	// FailExpiredLeases fails up to limit running jobs whose lease ended before now
	// with jobErr, releasing their sessions.
	FailExpiredLeases(ctx context.Context, now time.Time, jobErr model.JobError, limit int) ([]*model.Job, error)
	// ClaimForRedispatch returns up to limit pending jobs last dispatched before olderThan,
	// stamping them as dispatched at now so concurrent callers do not pick them twice.
	ClaimForRedispatch(ctx context.Context, olderThan, now time.Time, limit int) ([]*model.Job, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}
