package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
)

func TestSubmit_CreatesPendingJobAndDispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{})
	f.seedSession(t, "s1")

	h, err := f.submit.Submit(ctx, "s1", "user-1", "tenant-1", "  I want to sleep better  ")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, h.Status)
	assert.Equal(t, "job/"+h.JobID, h.PollingRef)
	assert.Equal(t, "job/"+h.JobID+"/live", h.LiveChannelRef)
	assert.Equal(t, []string{h.JobID}, f.dispatcher.ids)

	job, err := f.store.Jobs().FindByID(ctx, nil, h.JobID)
	require.NoError(t, err)
	assert.Equal(t, "I want to sleep better", job.InputMessage)
	assert.Equal(t, "tenant-1", job.TenantID)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.seedSession(t, "s1")

	cases := map[string]string{
		"empty":    "   ",
		"too long": strings.Repeat("x", 101),
		"bad utf8": "hi \xff there",
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.submit.Submit(context.Background(), "s1", "user-1", "tenant-1", msg)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Empty(t, f.dispatcher.ids)
}

func TestSubmit_MaxLengthCountsCharacters(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.seedSession(t, "s1")

	// 100 runes, 200 bytes
	_, err := f.submit.Submit(context.Background(), "s1", "user-1", "tenant-1", strings.Repeat("é", 100))
	assert.NoError(t, err)
}

func TestSubmit_SessionChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{})
	f.seedSession(t, "s1")

	_, err := f.submit.Submit(ctx, "missing", "user-1", "tenant-1", "hi")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.submit.Submit(ctx, "s1", "someone-else", "tenant-1", "hi")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.submit.Submit(ctx, "s1", "user-1", "tenant-2", "hi")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	closed := model.NewChatSession("s2", "tenant-1", "user-1", "")
	closed.Status = model.ChatSessionArchived
	require.NoError(t, f.store.Sessions().Save(ctx, nil, closed))
	_, err = f.submit.Submit(ctx, "s2", "user-1", "tenant-1", "hi")
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestSubmit_RejectsSecondJobWhileFirstIsActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{})
	f.seedSession(t, "s1")

	first, err := f.submit.Submit(ctx, "s1", "user-1", "tenant-1", "one")
	require.NoError(t, err)
	_, err = f.submit.Submit(ctx, "s1", "user-1", "tenant-1", "two")
	assert.ErrorIs(t, err, domain.ErrConcurrentJob)

	active, err := f.store.Jobs().FindActiveBySession(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, active.ID)
}

func TestSubmit_DispatchFailureKeepsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{})
	f.seedSession(t, "s1")
	f.dispatcher.err = errors.New("broker down")

	h, err := f.submit.Submit(ctx, "s1", "user-1", "tenant-1", "hi")
	require.NoError(t, err)

	job, err := f.store.Jobs().FindByID(ctx, nil, h.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
}

func TestSubmit_RateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{})
	f.seedSession(t, "s1")

	f.submit.limiter = stubLimiter{allow: false}
	_, err := f.submit.Submit(ctx, "s1", "user-1", "tenant-1", "hi")
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	// an unavailable limiter does not block
	f.submit.limiter = stubLimiter{err: errors.New("redis down")}
	_, err = f.submit.Submit(ctx, "s1", "user-1", "tenant-1", "hi")
	assert.NoError(t, err)
}
