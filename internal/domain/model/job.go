package model

import (
	"fmt"
	"strings"
	"time"

	"coach-chat-jobs/internal/domain"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo encodes the job state machine:
// pending -> running -> completed | failed. Terminal states have no outgoing edge.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusCompleted, JobStatusFailed:
		return false
	default:
		return false
	}
}

// ErrorKind classifies why a job failed. Values are part of the public API.
type ErrorKind string

const (
	ErrorKindProvider ErrorKind = "ProviderError"
	ErrorKindStale    ErrorKind = "StaleJobError"
	ErrorKindInternal ErrorKind = "InternalError"
)

// JobError is the classified error recorded on a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewProviderError(msg string) JobError { return JobError{Kind: ErrorKindProvider, Message: msg} }
func NewStaleJobError(msg string) JobError { return JobError{Kind: ErrorKindStale, Message: msg} }
func NewInternalError(msg string) JobError { return JobError{Kind: ErrorKindInternal, Message: msg} }

// SessionResult is the structured outcome produced when a job also concludes its session.
type SessionResult struct {
	Summary     string   `json:"summary"`
	Goals       []string `json:"goals,omitempty"`
	ActionItems []string `json:"actionItems,omitempty"`
}

func (r *SessionResult) clone() *SessionResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Goals = append([]string(nil), r.Goals...)
	cp.ActionItems = append([]string(nil), r.ActionItems...)
	return &cp
}

// Completion carries everything the executor decided at the end of a stream.
type Completion struct {
	Output  string
	IsFinal bool
	Result  *SessionResult
}

// Job is a tracked unit of asynchronous LLM work tied to one session message.
type Job struct {
	ID        string
	TenantID  string
	UserID    string
	SessionID string

	Status            JobStatus
	InputMessage      string
	AccumulatedOutput string
	IsFinal           bool
	Result            *SessionResult
	Error             *JobError

	WorkerID       string
	LeaseExpiresAt *time.Time
	DispatchedAt   time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

func NewJob(id, tenantID, userID, sessionID, input string, now time.Time) *Job {
	return &Job{
		ID:           id,
		TenantID:     tenantID,
		UserID:       userID,
		SessionID:    sessionID,
		Status:       JobStatusPending,
		InputMessage: input,
		DispatchedAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (j *Job) OwnedBy(tenantID, userID string) bool {
	return j.TenantID == tenantID && j.UserID == userID
}

func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusRunning && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

func (j *Job) transition(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

// Claim moves a pending job to running under workerID with a lease ending at leaseUntil.
func (j *Job) Claim(workerID string, now, leaseUntil time.Time) error {
	if j.Status != JobStatusPending {
		return domain.ErrJobNotClaimable
	}
	if err := j.transition(JobStatusRunning); err != nil {
		return err
	}
	j.WorkerID = workerID
	j.LeaseExpiresAt = &leaseUntil
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

func (j *Job) heldBy(workerID string) error {
	if j.Status != JobStatusRunning || j.WorkerID != workerID {
		return domain.ErrLeaseLost
	}
	return nil
}

// ExtendLease pushes the lease forward for the worker currently holding the job.
func (j *Job) ExtendLease(workerID string, now, leaseUntil time.Time) error {
	if err := j.heldBy(workerID); err != nil {
		return err
	}
	j.LeaseExpiresAt = &leaseUntil
	j.UpdatedAt = now
	return nil
}

// Checkpoint replaces the accumulated output with output, which must extend it.
func (j *Job) Checkpoint(workerID, output string, now, leaseUntil time.Time) error {
	if err := j.heldBy(workerID); err != nil {
		return err
	}
	if !strings.HasPrefix(output, j.AccumulatedOutput) {
		return domain.ErrCheckpointRegression
	}
	j.AccumulatedOutput = output
	j.LeaseExpiresAt = &leaseUntil
	j.UpdatedAt = now
	return nil
}

func (j *Job) Complete(workerID string, c Completion, now time.Time) error {
	if err := j.heldBy(workerID); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Output, j.AccumulatedOutput) {
		return domain.ErrCheckpointRegression
	}
	if err := j.transition(JobStatusCompleted); err != nil {
		return err
	}
	j.AccumulatedOutput = c.Output
	j.IsFinal = c.IsFinal
	j.Result = nil
	if c.IsFinal {
		j.Result = c.Result.clone()
	}
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail records jobErr on a running job. An empty workerID skips the holder check,
// which is how the reaper fails jobs whose worker is gone.
func (j *Job) Fail(workerID string, jobErr JobError, now time.Time) error {
	if workerID != "" {
		if err := j.heldBy(workerID); err != nil {
			return err
		}
	}
	if err := j.transition(JobStatusFailed); err != nil {
		return err
	}
	e := jobErr
	j.Error = &e
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Clone returns a deep copy safe to hand out of a store.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Result = j.Result.clone()
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// JobSnapshot is the read model returned to pollers.
type JobSnapshot struct {
	JobID             string
	SessionID         string
	Status            JobStatus
	AccumulatedOutput string
	IsFinal           bool
	Result            *SessionResult
	Error             *JobError
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

func (j *Job) Snapshot() JobSnapshot {
	c := j.Clone()
	return JobSnapshot{
		JobID:             c.ID,
		SessionID:         c.SessionID,
		Status:            c.Status,
		AccumulatedOutput: c.AccumulatedOutput,
		IsFinal:           c.IsFinal,
		Result:            c.Result,
		Error:             c.Error,
		CreatedAt:         c.CreatedAt,
		StartedAt:         c.StartedAt,
		CompletedAt:       c.CompletedAt,
	}
}
