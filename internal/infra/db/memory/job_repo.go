package memory

import (
	"context"
	"sort"
	"time"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*JobRepo)(nil)

type JobRepo struct {
	s *Store
}

func (r *JobRepo) Create(ctx context.Context, _ repository.Tx, job *model.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, held := r.s.active[job.SessionID]; held {
		return domain.ErrConcurrentJob
	}
	if _, dup := r.s.jobs[job.ID]; dup {
		return domain.ErrInvalidArgument
	}
	r.s.jobs[job.ID] = job.Clone()
	r.s.active[job.SessionID] = job.ID
	return nil
}

func (r *JobRepo) FindByID(ctx context.Context, _ repository.Tx, id string) (*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (r *JobRepo) FindActiveBySession(ctx context.Context, _ repository.Tx, sessionID string) (*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.active[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.s.jobs[id].Clone(), nil
}

// mutate applies fn to the stored job under the lock and returns a copy of the result.
func (r *JobRepo) mutate(id string, fn func(j *model.Job) error) (*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	// work on a copy so a rejected write leaves the stored job untouched
	next := j.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	r.s.jobs[id] = next
	if next.Status.IsTerminal() {
		r.s.release(next.SessionID, next.ID)
	}
	return next.Clone(), nil
}

func (r *JobRepo) Claim(ctx context.Context, id, workerID string, now, leaseUntil time.Time) (*model.Job, error) {
	return r.mutate(id, func(j *model.Job) error { return j.Claim(workerID, now, leaseUntil) })
}

func (r *JobRepo) ExtendLease(ctx context.Context, id, workerID string, now, leaseUntil time.Time) error {
	_, err := r.mutate(id, func(j *model.Job) error { return j.ExtendLease(workerID, now, leaseUntil) })
	return err
}

func (r *JobRepo) Checkpoint(ctx context.Context, id, workerID, output string, now, leaseUntil time.Time) error {
	_, err := r.mutate(id, func(j *model.Job) error { return j.Checkpoint(workerID, output, now, leaseUntil) })
	return err
}

func (r *JobRepo) Complete(ctx context.Context, _ repository.Tx, id, workerID string, c model.Completion, now time.Time) (*model.Job, error) {
	j, err := r.mutate(id, func(j *model.Job) error { return j.Complete(workerID, c, now) })
	if err == domain.ErrNotFound {
		return nil, domain.ErrLeaseLost
	}
	return j, err
}

func (r *JobRepo) Fail(ctx context.Context, _ repository.Tx, id, workerID string, jobErr model.JobError, now time.Time) (*model.Job, error) {
	j, err := r.mutate(id, func(j *model.Job) error { return j.Fail(workerID, jobErr, now) })
	if err == domain.ErrNotFound {
		return nil, domain.ErrLeaseLost
	}
	return j, err
}

func (r *JobRepo) FailExpiredLeases(ctx context.Context, now time.Time, jobErr model.JobError, limit int) ([]*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Job
	for _, j := range r.sortedLocked() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !j.LeaseExpired(now) {
			continue
		}
		if err := j.Fail("", jobErr, now); err != nil {
			continue
		}
		r.s.release(j.SessionID, j.ID)
		out = append(out, j.Clone())
	}
	return out, nil
}

func (r *JobRepo) ClaimForRedispatch(ctx context.Context, olderThan, now time.Time, limit int) ([]*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Job
	for _, j := range r.sortedLocked() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j.Status != model.JobStatusPending || !j.DispatchedAt.Before(olderThan) {
			continue
		}
		j.DispatchedAt = now
		j.UpdatedAt = now
		out = append(out, j.Clone())
	}
	return out, nil
}

func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, j := range r.s.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(r.s.jobs, id)
			n++
		}
	}
	return n, nil
}

// sortedLocked returns stored jobs oldest first. Callers hold r.s.mu.
func (r *JobRepo) sortedLocked() []*model.Job {
	out := make([]*model.Job, 0, len(r.s.jobs))
	for _, j := range r.s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}
