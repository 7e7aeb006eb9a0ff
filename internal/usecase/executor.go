package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/adapter"
	"coach-chat-jobs/internal/domain/ports/policy"
	"coach-chat-jobs/internal/domain/ports/repository"
	"coach-chat-jobs/internal/infra/logging"
	"coach-chat-jobs/internal/infra/metrics"
)

// finalWriteTimeout bounds terminal writes that must outlive a cancelled run.
const finalWriteTimeout = 10 * time.Second

type ExecutorConfig struct {
	WorkerID           string
	LeaseDuration      time.Duration
	HeartbeatInterval  time.Duration
	CheckpointInterval time.Duration
	CheckpointBytes    int
	HistoryLimit       int
	DefaultModel       string
	SystemPrompt       string
}

// Executor runs dispatched jobs: claim, stream with checkpoints, then finalize
// the job and its session in one transaction.
type Executor struct {
	cfg        ExecutorConfig
	jobs       repository.JobRepository
	sessions   repository.ChatSessionRepository
	tm         repository.TransactionManager
	provider   adapter.LLMProvider
	events     adapter.EventPublisher
	completion policy.CompletionPolicy
	extractor  policy.ResultExtractor
	tokens     adapter.TokenCounter
	now        func() time.Time
	log        *zerolog.Logger
}

func NewExecutor(
	cfg ExecutorConfig,
	jobs repository.JobRepository,
	sessions repository.ChatSessionRepository,
	tm repository.TransactionManager,
	provider adapter.LLMProvider,
	events adapter.EventPublisher,
	completion policy.CompletionPolicy,
	extractor policy.ResultExtractor,
	tokens adapter.TokenCounter,
	logger *zerolog.Logger,
) *Executor {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LeaseDuration {
		cfg.HeartbeatInterval = cfg.LeaseDuration / 4
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 750 * time.Millisecond
	}
	if cfg.CheckpointBytes <= 0 {
		cfg.CheckpointBytes = 512
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	return &Executor{
		cfg:        cfg,
		jobs:       jobs,
		sessions:   sessions,
		tm:         tm,
		provider:   provider,
		events:     events,
		completion: completion,
		extractor:  extractor,
		tokens:     tokens,
		now:        time.Now,
		log:        logging.Component(logger, "Executor"),
	}
}

func (e *Executor) WorkerID() string { return e.cfg.WorkerID }

// Execute processes one dispatched job id. The returned error only signals that the
// dispatch should be retried; job-level failures are recorded on the job and return nil.
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	ctx = logging.WithJobID(ctx, jobID)
	log := logging.With(ctx, e.log)
	defer logging.TraceDuration(log, "Executor.Execute")()

	now := e.now().UTC()
	job, err := e.jobs.Claim(ctx, jobID, e.cfg.WorkerID, now, now.Add(e.cfg.LeaseDuration))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn().Msg("dispatched job does not exist; dropping")
		return nil
	case errors.Is(err, domain.ErrJobNotClaimable):
		return e.reconcile(ctx, jobID, log)
	case err != nil:
		return fmt.Errorf("claim job: %w", err)
	}

	metrics.JobStarted()
	defer metrics.JobFinished()
	log.Info().Str("worker_id", e.cfg.WorkerID).Msg("job claimed")

	e.run(ctx, job, log)
	return nil
}

func (e *Executor) run(ctx context.Context, job *model.Job, log *zerolog.Logger) {
	started := e.now()

	runCtx, cancel := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		e.heartbeat(runCtx, job.ID, cancel, log)
	}()
	stopHeartbeat := func() {
		cancel()
		hb.Wait()
	}

	completion, jobErr := e.generate(runCtx, job, log)
	stopHeartbeat()

	if jobErr != nil {
		if ctx.Err() != nil && jobErr.Kind == model.ErrorKindProvider {
			// shutdown interrupted the stream; this is not the provider's fault
			jobErr = &model.JobError{Kind: model.ErrorKindInternal, Message: "worker stopped before the reply finished"}
		}
		e.fail(ctx, job, *jobErr, started, log)
		return
	}
	e.finalize(ctx, job, completion, started, log)
}

// heartbeat extends the lease until ctx ends. A lost lease cancels the run.
func (e *Executor) heartbeat(ctx context.Context, jobID string, onLost context.CancelFunc, log *zerolog.Logger) {
	t := time.NewTicker(e.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := e.now().UTC()
			err := e.jobs.ExtendLease(ctx, jobID, e.cfg.WorkerID, now, now.Add(e.cfg.LeaseDuration))
			if errors.Is(err, domain.ErrLeaseLost) {
				log.Warn().Msg("lease lost during execution; abandoning run")
				onLost()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("lease heartbeat failed")
			}
		}
	}
}

func (e *Executor) generate(ctx context.Context, job *model.Job, log *zerolog.Logger) (model.Completion, *model.JobError) {
	session, err := e.sessions.FindByID(ctx, nil, job.SessionID)
	if err != nil {
		log.Error().Err(err).Msg("load session")
		je := model.NewInternalError("session could not be loaded")
		return model.Completion{}, &je
	}
	if !session.AcceptsMessages() {
		je := model.NewInternalError("session is no longer active")
		return model.Completion{}, &je
	}

	modelName := session.Model
	if modelName == "" {
		modelName = e.cfg.DefaultModel
	}
	req := adapter.GenerateRequest{
		Model:      modelName,
		History:    e.history(session),
		NewMessage: job.InputMessage,
	}

	cp := &checkpointer{e: e, ctx: ctx, job: job, log: log, lastFlush: e.now()}
	callStart := e.now()
	usage, err := e.provider.Generate(ctx, req, cp.onChunk)
	latency := e.now().Sub(callStart)
	if !cp.firstChunkAt.IsZero() {
		metrics.ObserveFirstChunk(e.provider.Name(), modelName, cp.firstChunkAt.Sub(callStart))
	}
	if err == nil {
		err = cp.flush()
	}
	if err != nil {
		metrics.ObserveChatUsage(e.provider.Name(), modelName, usage.PromptTokens, usage.CompletionTokens, latency, false)
		if cp.storeErr != nil {
			log.Warn().Err(cp.storeErr).Msg("checkpoint failed; aborting stream")
			je := model.NewInternalError("progress could not be saved")
			if errors.Is(cp.storeErr, domain.ErrLeaseLost) {
				je.Message = "lease lost during execution"
			}
			return model.Completion{}, &je
		}
		log.Warn().Err(err).Msg("provider stream failed")
		je := model.NewProviderError(err.Error())
		return model.Completion{}, &je
	}

	output := cp.output()
	if strings.TrimSpace(output) == "" {
		je := model.NewProviderError("provider returned an empty reply")
		return model.Completion{}, &je
	}

	if usage.PromptTokens == 0 {
		usage.PromptTokens = e.count(modelName, job.InputMessage)
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = e.count(modelName, output)
	}
	metrics.ObserveChatUsage(e.provider.Name(), modelName, usage.PromptTokens, usage.CompletionTokens, latency, true)

	c := model.Completion{Output: output, IsFinal: e.completion.IsFinal(output)}
	if c.IsFinal {
		visible := e.completion.Visible(output)
		res, err := e.extractor.Extract(visible)
		if err != nil {
			log.Warn().Err(err).Msg("session result not extractable; using reply as summary")
			res = &model.SessionResult{Summary: visible}
		}
		c.Result = res
	}
	return c, nil
}

func (e *Executor) history(session *model.ChatSession) []adapter.Message {
	recent := session.GetRecentMessages(e.cfg.HistoryLimit)
	out := make([]adapter.Message, 0, len(recent)+1)
	if e.cfg.SystemPrompt != "" {
		out = append(out, adapter.Message{Role: model.RoleSystem, Content: e.cfg.SystemPrompt})
	}
	for _, m := range recent {
		out = append(out, adapter.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (e *Executor) count(modelName, text string) int {
	if e.tokens != nil {
		return e.tokens.Count(modelName, text)
	}
	return (len(text) + 3) / 4
}

// finalize commits the job's completion together with the session mutation.
func (e *Executor) finalize(ctx context.Context, job *model.Job, c model.Completion, started time.Time, log *zerolog.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	var done *model.Job
	err := e.tm.WithTx(wctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		j, err := e.jobs.Complete(ctx, tx, job.ID, e.cfg.WorkerID, c, e.now().UTC())
		if err != nil {
			return err
		}
		done = j
		return e.applySession(ctx, tx, j)
	})
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn().Msg("lease lost before finalize; reply discarded")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("finalize failed")
		e.fail(ctx, job, model.NewInternalError("reply could not be stored"), started, log)
		return
	}

	metrics.ObserveJobFinished(string(model.JobStatusCompleted), "", e.now().Sub(started))
	log.Info().Bool("is_final", done.IsFinal).Int("output_bytes", len(done.AccumulatedOutput)).Msg("job completed")
	e.publish(wctx, model.CompletionEvent(done), log)
}

// applySession appends the exchange to the session and closes it on a final reply.
// Every step is keyed by the job id so re-applying it changes nothing.
func (e *Executor) applySession(ctx context.Context, tx repository.Tx, job *model.Job) error {
	session, err := e.sessions.FindByID(ctx, tx, job.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	completedAt := e.now().UTC()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}

	userMsg := &model.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: job.SessionID,
		JobID:     job.ID,
		Role:      model.RoleUser,
		Content:   job.InputMessage,
		Tokens:    e.count(session.Model, job.InputMessage),
		Timestamp: job.CreatedAt,
	}
	if _, err := e.sessions.AppendMessage(ctx, tx, userMsg); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}

	reply := e.completion.Visible(job.AccumulatedOutput)
	assistantMsg := &model.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: job.SessionID,
		JobID:     job.ID,
		Role:      model.RoleAssistant,
		Content:   reply,
		Tokens:    e.count(session.Model, reply),
		Timestamp: completedAt,
	}
	if _, err := e.sessions.AppendMessage(ctx, tx, assistantMsg); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}

	if job.IsFinal {
		if _, err := e.sessions.MarkComplete(ctx, tx, job.SessionID, job.ID, job.Result); err != nil {
			return fmt.Errorf("mark session complete: %w", err)
		}
	}
	return nil
}

// reconcile handles a redelivered job that is no longer pending. A completed job
// gets its session effects re-applied in case the earlier finalize was partial.
func (e *Executor) reconcile(ctx context.Context, jobID string, log *zerolog.Logger) error {
	job, err := e.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != model.JobStatusCompleted {
		log.Debug().Str("status", string(job.Status)).Msg("redelivered job already claimed; skipping")
		return nil
	}
	err = e.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return e.applySession(ctx, tx, job)
	})
	if err != nil {
		return fmt.Errorf("reconcile session: %w", err)
	}
	log.Info().Msg("redelivered completed job reconciled")
	return nil
}

func (e *Executor) fail(ctx context.Context, job *model.Job, jobErr model.JobError, started time.Time, log *zerolog.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	_, err := e.jobs.Fail(wctx, nil, job.ID, e.cfg.WorkerID, jobErr, e.now().UTC())
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn().Msg("lease lost before failure was recorded")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("record job failure")
		return
	}
	metrics.ObserveJobFinished(string(model.JobStatusFailed), string(jobErr.Kind), e.now().Sub(started))
	log.Warn().Str("kind", string(jobErr.Kind)).Str("reason", jobErr.Message).Msg("job failed")
	e.publish(wctx, model.FailureEvent(job.ID, jobErr), log)
}

func (e *Executor) publish(ctx context.Context, ev model.Event, log *zerolog.Logger) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		log.Debug().Err(err).Str("event", string(ev.Type)).Msg("live event not published")
	}
}

// checkpointer buffers streamed output and persists it by size or elapsed time.
// Token events are published only after the text they carry is durable.
type checkpointer struct {
	e   *Executor
	ctx context.Context
	job *model.Job
	log *zerolog.Logger

	buf          strings.Builder
	flushed      int
	lastFlush    time.Time
	firstChunkAt time.Time
	storeErr     error
}

func (c *checkpointer) onChunk(chunk string) error {
	if chunk == "" {
		return nil
	}
	if c.firstChunkAt.IsZero() {
		c.firstChunkAt = c.e.now()
	}
	c.buf.WriteString(chunk)
	if c.buf.Len()-c.flushed >= c.e.cfg.CheckpointBytes || c.e.now().Sub(c.lastFlush) >= c.e.cfg.CheckpointInterval {
		return c.flush()
	}
	return nil
}

func (c *checkpointer) flush() error {
	out := c.buf.String()
	if len(out) == c.flushed {
		return nil
	}
	now := c.e.now().UTC()
	if err := c.e.jobs.Checkpoint(c.ctx, c.job.ID, c.e.cfg.WorkerID, out, now, now.Add(c.e.cfg.LeaseDuration)); err != nil {
		metrics.IncCheckpoint("error")
		c.storeErr = err
		return err
	}
	metrics.IncCheckpoint("ok")
	c.e.publish(c.ctx, model.TokenEvent(c.job.ID, out[c.flushed:], c.flushed), c.log)
	c.flushed = len(out)
	c.lastFlush = now
	return nil
}

func (c *checkpointer) output() string { return c.buf.String() }
