package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
)

func submitJob(t *testing.T, f *fixture, sessionID, msg string) string {
	t.Helper()
	h, err := f.submit.Submit(context.Background(), sessionID, "user-1", "tenant-1", msg)
	require.NoError(t, err)
	return h.JobID
}

func TestExecute_StreamsCheckpointsAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{chunks: []string{"Hel", "lo", " world"}})
	f.seedSession(t, "s1")
	jobID := submitJob(t, f, "s1", "I want to run more")

	require.NoError(t, f.exec.Execute(ctx, jobID))

	job, err := f.store.Jobs().FindByID(ctx, nil, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, "Hello world", job.AccumulatedOutput)
	assert.False(t, job.IsFinal)
	assert.Nil(t, job.Result)
	assert.NotNil(t, job.CompletedAt)

	// concatenated token events equal the durable output
	assert.Equal(t, job.AccumulatedOutput, f.events.tokens())
	evs := f.events.snapshot()
	require.NotEmpty(t, evs)
	assert.Equal(t, 0, evs[0].Offset)
	assert.Equal(t, model.EventCompletion, evs[len(evs)-1].Type)
	for i := 1; i < len(evs)-1; i++ {
		assert.Equal(t, len(evs[i-1].Chunk)+evs[i-1].Offset, evs[i].Offset)
	}

	session, err := f.store.Sessions().FindByID(ctx, nil, "s1")
	require.NoError(t, err)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, model.RoleUser, session.Messages[0].Role)
	assert.Equal(t, "I want to run more", session.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, session.Messages[1].Role)
	assert.Equal(t, "Hello world", session.Messages[1].Content)
	assert.Equal(t, jobID, session.Messages[1].JobID)
	assert.Equal(t, model.ChatSessionActive, session.Status)

	// the slot is free again
	_, err = f.store.Jobs().FindActiveBySession(ctx, nil, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// the request carried the system prompt and the default model
	assert.Equal(t, "gpt-4o-mini", f.llm.lastReq.Model)
	require.NotEmpty(t, f.llm.lastReq.History)
	assert.Equal(t, model.RoleSystem, f.llm.lastReq.History[0].Role)
}

func TestExecute_FinalReplyClosesSession(t *testing.T) {
	ctx := context.Background()
	reply := "Great work today.\n\n```json\n{\"summary\":\"Two goals set\",\"goals\":[\"run 3x a week\"],\"actionItems\":[\"buy shoes\"]}\n```\n[[SESSION_COMPLETE]]"
	f := newFixture(t, &fakeLLM{chunks: []string{reply[:20], reply[20:]}})
	f.seedSession(t, "s1")
	jobID := submitJob(t, f, "s1", "that's all for today")

	require.NoError(t, f.exec.Execute(ctx, jobID))

	job, err := f.store.Jobs().FindByID(ctx, nil, jobID)
	require.NoError(t, err)
	assert.True(t, job.IsFinal)
	require.NotNil(t, job.Result)
	assert.Equal(t, "Two goals set", job.Result.Summary)
	assert.Equal(t, []string{"run 3x a week"}, job.Result.Goals)

	session, err := f.store.Sessions().FindByID(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.ChatSessionCompleted, session.Status)
	assert.Equal(t, jobID, session.CompletedByJob)
	assert.NotContains(t, session.Messages[1].Content, "[[SESSION_COMPLETE]]")

	last := f.events.snapshot()[len(f.events.snapshot())-1]
	assert.Equal(t, model.EventCompletion, last.Type)
	assert.True(t, last.IsFinal)

	// no further messages are accepted
	_, err = f.submit.Submit(ctx, "s1", "user-1", "tenant-1", "one more thing")
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestExecute_ProviderErrorFailsJobAndLeavesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{chunks: []string{"Partial ", "reply"}, err: errProviderDown})
	f.seedSession(t, "s1")
	jobID := submitJob(t, f, "s1", "hello")

	require.NoError(t, f.exec.Execute(ctx, jobID))

	job, err := f.store.Jobs().FindByID(ctx, nil, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, model.ErrorKindProvider, job.Error.Kind)
	// checkpointed progress is kept for inspection
	assert.Equal(t, "Partial reply", job.AccumulatedOutput)

	session, err := f.store.Sessions().FindByID(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Empty(t, session.Messages)

	evs := f.events.snapshot()
	assert.Equal(t, model.EventFailure, evs[len(evs)-1].Type)

	// the session accepts a retry
	_, err = f.submit.Submit(ctx, "s1", "user-1", "tenant-1", "hello again")
	assert.NoError(t, err)
}

func TestExecute_EmptyReplyIsProviderError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{chunks: []string{"  "}})
	f.seedSession(t, "s1")
	jobID := submitJob(t, f, "s1", "hello")

	require.NoError(t, f.exec.Execute(ctx, jobID))
	job, err := f.store.Jobs().FindByID(ctx, nil, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, model.ErrorKindProvider, job.Error.Kind)
}

func TestExecute_LeaseLostMidStreamDiscardsResult(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{chunks: []string{"abcd", "efgh", "ijkl"}}
	f := newFixture(t, llm)
	f.seedSession(t, "s1")
	jobID := submitJob(t, f, "s1", "hello")

	// the reaper takes the job away after the first checkpoint
	llm.beforeChunk = func(i int) {
		if i == 1 {
			_, err := f.store.Jobs().Fail(ctx, nil, jobID, "", model.NewStaleJobError("lease expired"), time.Now())
			require.NoError(t, err)
		}
	}

	require.NoError(t, f.exec.Execute(ctx, jobID))

	job, err := f.store.Jobs().FindByID(ctx, nil, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, model.ErrorKindStale, job.Error.Kind)
	assert.Equal(t, "abcd", job.AccumulatedOutput)

	session, err := f.store.Sessions().FindByID(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Empty(t, session.Messages)
	for _, e := range f.events.snapshot() {
		assert.NotEqual(t, model.EventCompletion, e.Type)
	}
}

func TestExecute_RedeliveryReconcilesCompletedJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{chunks: []string{"ok"}})
	f.seedSession(t, "s1")
	jobID := submitJob(t, f, "s1", "hello")

	// a finalize that committed the job but not the session mutation
	jobs := f.store.Jobs()
	_, err := jobs.Claim(ctx, jobID, "w-other", time.Now(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = jobs.Complete(ctx, nil, jobID, "w-other", model.Completion{Output: "ok"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, f.exec.Execute(ctx, jobID))
	require.NoError(t, f.exec.Execute(ctx, jobID))

	session, err := f.store.Sessions().FindByID(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Len(t, session.Messages, 2)
	assert.Zero(t, f.llm.calls, "a completed job is never regenerated")
}

func TestExecute_DuplicateDeliveryRunsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{chunks: []string{"reply"}})
	f.seedSession(t, "s1")
	jobID := submitJob(t, f, "s1", "hello")

	require.NoError(t, f.exec.Execute(ctx, jobID))
	require.NoError(t, f.exec.Execute(ctx, jobID))

	assert.Equal(t, 1, f.llm.calls)
	session, err := f.store.Sessions().FindByID(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Len(t, session.Messages, 2)
}

func TestExecute_UnknownJobIsDropped(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	assert.NoError(t, f.exec.Execute(context.Background(), "does-not-exist"))
	assert.Zero(t, f.llm.calls)
}

func TestExecute_HistoryIncludesPriorExchange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeLLM{chunks: []string{"first reply"}})
	f.seedSession(t, "s1")
	require.NoError(t, f.exec.Execute(ctx, submitJob(t, f, "s1", "first")))

	f.llm.chunks = []string{"second reply"}
	require.NoError(t, f.exec.Execute(ctx, submitJob(t, f, "s1", "second")))

	h := f.llm.lastReq.History
	require.Len(t, h, 3)
	assert.Equal(t, "first", h[1].Content)
	assert.Equal(t, "first reply", h[2].Content)
	assert.Equal(t, "second", f.llm.lastReq.NewMessage)
}
