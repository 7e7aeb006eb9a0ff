package ai

import (
	"context"

	"coach-chat-jobs/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.LLMProvider = (*limitedAI)(nil)

type limitedAI struct {
	inner adapter.LLMProvider
	sem   chan struct{}
}

// NewLimitedAI caps the number of concurrent streams against inner.
func NewLimitedAI(inner adapter.LLMProvider, maxConcurrent int) adapter.LLMProvider {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedAI{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedAI) Name() string { return l.inner.Name() }

func (l *limitedAI) Generate(ctx context.Context, req adapter.GenerateRequest, onChunk adapter.ChunkHandler) (adapter.Usage, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return adapter.Usage{}, ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.inner.Generate(ctx, req, onChunk)
}
