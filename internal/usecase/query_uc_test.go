package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
)

func TestGetStatus_OwnerSeesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{chunks: []string{"done"}})
	f.seedSession(t, "s1")
	jobID := submitJob(t, f, "s1", "hi")
	q := NewJobQueryUseCase(f.store.Jobs(), f.store.Sessions())

	snap, err := q.GetStatus(ctx, jobID, "tenant-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, snap.Status)
	assert.Empty(t, snap.AccumulatedOutput)

	require.NoError(t, f.exec.Execute(ctx, jobID))
	snap, err = q.GetStatus(ctx, jobID, "tenant-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, snap.Status)
	assert.Equal(t, "done", snap.AccumulatedOutput)
	assert.NotNil(t, snap.CompletedAt)
}

func TestGetStatus_HidesOtherUsersJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{})
	f.seedSession(t, "s1")
	jobID := submitJob(t, f, "s1", "hi")
	q := NewJobQueryUseCase(f.store.Jobs(), f.store.Sessions())

	_, err := q.GetStatus(ctx, jobID, "tenant-1", "intruder")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = q.GetStatus(ctx, jobID, "tenant-2", "user-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = q.GetStatus(ctx, "nope", "tenant-1", "user-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetActiveForSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{chunks: []string{"ok"}})
	f.seedSession(t, "s1")
	q := NewJobQueryUseCase(f.store.Jobs(), f.store.Sessions())

	_, err := q.GetActiveForSession(ctx, "s1", "tenant-1", "user-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	jobID := submitJob(t, f, "s1", "hi")
	snap, err := q.GetActiveForSession(ctx, "s1", "tenant-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, jobID, snap.JobID)

	_, err = q.GetActiveForSession(ctx, "s1", "tenant-1", "intruder")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.exec.Execute(ctx, jobID))
	_, err = q.GetActiveForSession(ctx, "s1", "tenant-1", "user-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
