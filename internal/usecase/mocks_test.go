// File: internal/usecase/mocks_test.go
package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/adapter"
	"coach-chat-jobs/internal/infra/db/memory"
)

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// fakeLLM replays chunks through the handler, then returns err.
type fakeLLM struct {
	chunks      []string
	err         error
	usage       adapter.Usage
	beforeChunk func(i int)

	mu      sync.Mutex
	lastReq adapter.GenerateRequest
	calls   int
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Generate(ctx context.Context, req adapter.GenerateRequest, onChunk adapter.ChunkHandler) (adapter.Usage, error) {
	f.mu.Lock()
	f.lastReq = req
	f.calls++
	f.mu.Unlock()
	for i, c := range f.chunks {
		if f.beforeChunk != nil {
			f.beforeChunk(i)
		}
		if err := onChunk(c); err != nil {
			return adapter.Usage{}, err
		}
	}
	return f.usage, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) snapshot() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Event(nil), p.events...)
}

// tokens concatenates the chunks of all token events in publish order.
func (p *recordingPublisher) tokens() string {
	var b strings.Builder
	for _, e := range p.snapshot() {
		if e.Type == model.EventToken {
			b.WriteString(e.Chunk)
		}
	}
	return b.String()
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, jobID)
	return nil
}

type stubLimiter struct {
	allow bool
	err   error
}

func (l stubLimiter) Allow(ctx context.Context, key string) (bool, error) { return l.allow, l.err }

var errProviderDown = errors.New("upstream 503")

// fixture wires an executor and a submission service over one memory store.
type fixture struct {
	store      *memory.Store
	llm        *fakeLLM
	events     *recordingPublisher
	dispatcher *recordingDispatcher
	exec       *Executor
	submit     *submissionUC
}

func newFixture(t *testing.T, llm *fakeLLM) *fixture {
	t.Helper()
	store := memory.NewStore()
	events := &recordingPublisher{}
	dispatcher := &recordingDispatcher{}
	policy, err := NewMarkerCompletionPolicy("[[SESSION_COMPLETE]]", nil)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	exec := NewExecutor(ExecutorConfig{
		WorkerID:           "w-test",
		CheckpointBytes:    4,
		CheckpointInterval: 1 << 40,
		HistoryLimit:       10,
		DefaultModel:       "gpt-4o-mini",
		SystemPrompt:       "You are a coach.",
	}, store.Jobs(), store.Sessions(), store.TxManager(), llm, events, policy, NewJSONBlockExtractor(), nil, nopLogger())
	submit := NewSubmissionUseCase(store.Jobs(), store.Sessions(), dispatcher, nil, 100, true, nopLogger())
	return &fixture{store: store, llm: llm, events: events, dispatcher: dispatcher, exec: exec, submit: submit}
}

func (f *fixture) seedSession(t *testing.T, id string) *model.ChatSession {
	t.Helper()
	s := model.NewChatSession(id, "tenant-1", "user-1", "")
	if err := f.store.Sessions().Save(context.Background(), nil, s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return s
}
