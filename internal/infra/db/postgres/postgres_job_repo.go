package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*JobRepo)(nil)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	activeSessionIndex = "ux_chat_jobs_active_session"
)

const jobColumns = `id, tenant_id, user_id, session_id, status, input_message, accumulated_output,
is_final, result, error_kind, error_message, worker_id, lease_expires_at, dispatched_at,
created_at, started_at, completed_at, updated_at`

// JobRepo stores jobs in chat_jobs. Every state change is a single conditional UPDATE;
// a write whose precondition no longer holds affects zero rows.
type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

func (r *JobRepo) Create(ctx context.Context, tx repository.Tx, job *model.Job) error {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	const sql = `
INSERT INTO chat_jobs (id, tenant_id, user_id, session_id, status, input_message,
  accumulated_output, dispatched_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'',$7,$8,$9);`
	_, err = q.Exec(ctx, sql, job.ID, job.TenantID, job.UserID, job.SessionID, string(job.Status),
		job.InputMessage, job.DispatchedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == activeSessionIndex:
				return domain.ErrConcurrentJob
			case pgErr.Code == pgForeignKeyViolation:
				return domain.ErrNotFound
			}
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	return scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM chat_jobs WHERE id=$1;`, id))
}

func (r *JobRepo) FindActiveBySession(ctx context.Context, tx repository.Tx, sessionID string) (*model.Job, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	const sql = `SELECT ` + jobColumns + ` FROM chat_jobs
WHERE session_id=$1 AND status IN ('pending','running') LIMIT 1;`
	return scanJob(q.QueryRow(ctx, sql, sessionID))
}

func (r *JobRepo) Claim(ctx context.Context, id, workerID string, now, leaseUntil time.Time) (*model.Job, error) {
	const sql = `
UPDATE chat_jobs SET status='running', worker_id=$2, lease_expires_at=$4, started_at=$3, updated_at=$3
WHERE id=$1 AND status='pending'
RETURNING ` + jobColumns + `;`
	job, err := scanJob(r.pool.QueryRow(ctx, sql, id, workerID, now, leaseUntil))
	if errors.Is(err, domain.ErrNotFound) {
		if _, ferr := r.FindByID(ctx, nil, id); ferr != nil {
			return nil, ferr
		}
		return nil, domain.ErrJobNotClaimable
	}
	return job, err
}

func (r *JobRepo) ExtendLease(ctx context.Context, id, workerID string, now, leaseUntil time.Time) error {
	const sql = `
UPDATE chat_jobs SET lease_expires_at=$4, updated_at=$3
WHERE id=$1 AND status='running' AND worker_id=$2;`
	tag, err := r.pool.Exec(ctx, sql, id, workerID, now, leaseUntil)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *JobRepo) Checkpoint(ctx context.Context, id, workerID, output string, now, leaseUntil time.Time) error {
	const sql = `
UPDATE chat_jobs SET accumulated_output=$3, lease_expires_at=$5, updated_at=$4
WHERE id=$1 AND status='running' AND worker_id=$2 AND starts_with($3, accumulated_output);`
	tag, err := r.pool.Exec(ctx, sql, id, workerID, output, now, leaseUntil)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, id, workerID)
	}
	return nil
}

// classifyMiss explains why a holder-conditioned write matched no row.
func (r *JobRepo) classifyMiss(ctx context.Context, id, workerID string) error {
	job, err := r.FindByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrLeaseLost
		}
		return err
	}
	if job.Status == model.JobStatusRunning && job.WorkerID == workerID {
		return domain.ErrCheckpointRegression
	}
	return domain.ErrLeaseLost
}

func (r *JobRepo) Complete(ctx context.Context, tx repository.Tx, id, workerID string, c model.Completion, now time.Time) (*model.Job, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	var result []byte
	if c.IsFinal && c.Result != nil {
		if result, err = json.Marshal(c.Result); err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
	}
	const sql = `
UPDATE chat_jobs SET status='completed', accumulated_output=$3, is_final=$4, result=$5,
  lease_expires_at=NULL, completed_at=$6, updated_at=$6
WHERE id=$1 AND status='running' AND worker_id=$2 AND starts_with($3, accumulated_output)
RETURNING ` + jobColumns + `;`
	job, err := scanJob(q.QueryRow(ctx, sql, id, workerID, c.Output, c.IsFinal, result, now))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrLeaseLost
	}
	return job, err
}

func (r *JobRepo) Fail(ctx context.Context, tx repository.Tx, id, workerID string, jobErr model.JobError, now time.Time) (*model.Job, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	const sql = `
UPDATE chat_jobs SET status='failed', error_kind=$3, error_message=$4,
  lease_expires_at=NULL, completed_at=$5, updated_at=$5
WHERE id=$1 AND status='running' AND ($2 = '' OR worker_id=$2)
RETURNING ` + jobColumns + `;`
	job, err := scanJob(q.QueryRow(ctx, sql, id, workerID, string(jobErr.Kind), jobErr.Message, now))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrLeaseLost
	}
	return job, err
}

func (r *JobRepo) FailExpiredLeases(ctx context.Context, now time.Time, jobErr model.JobError, limit int) ([]*model.Job, error) {
	const sql = `
UPDATE chat_jobs SET status='failed', error_kind=$2, error_message=$3,
  lease_expires_at=NULL, completed_at=$1, updated_at=$1
WHERE id IN (
  SELECT id FROM chat_jobs
  WHERE status='running' AND lease_expires_at < $1
  ORDER BY lease_expires_at
  LIMIT $4
  FOR UPDATE SKIP LOCKED
) AND status='running'
RETURNING ` + jobColumns + `;`
	return r.queryJobs(ctx, sql, now, string(jobErr.Kind), jobErr.Message, limit)
}

func (r *JobRepo) ClaimForRedispatch(ctx context.Context, olderThan, now time.Time, limit int) ([]*model.Job, error) {
	const sql = `
UPDATE chat_jobs SET dispatched_at=$2, updated_at=$2
WHERE id IN (
  SELECT id FROM chat_jobs
  WHERE status='pending' AND dispatched_at < $1
  ORDER BY dispatched_at
  LIMIT $3
  FOR UPDATE SKIP LOCKED
) AND status='pending'
RETURNING ` + jobColumns + `;`
	return r.queryJobs(ctx, sql, olderThan, now, limit)
}

func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM chat_jobs WHERE status IN ('completed','failed') AND completed_at < $1;`, before)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepo) queryJobs(ctx context.Context, sql string, args ...interface{}) ([]*model.Job, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j                     model.Job
		status                string
		result                []byte
		errKind, errMsg, wkID *string
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &j.UserID, &j.SessionID, &status, &j.InputMessage, &j.AccumulatedOutput,
		&j.IsFinal, &result, &errKind, &errMsg, &wkID, &j.LeaseExpiresAt, &j.DispatchedAt,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = model.JobStatus(status)
	if len(result) > 0 {
		var res model.SessionResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		j.Result = &res
	}
	if errKind != nil {
		j.Error = &model.JobError{Kind: model.ErrorKind(*errKind)}
		if errMsg != nil {
			j.Error.Message = *errMsg
		}
	}
	if wkID != nil {
		j.WorkerID = *wkID
	}
	return &j, nil
}
