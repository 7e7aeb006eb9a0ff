package adapter

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage for a single generation as reported (or estimated) for the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerateRequest is the input of one streamed generation: prior history plus the new user message.
type GenerateRequest struct {
	Model      string
	History    []Message
	NewMessage string
}

// Messages returns the history followed by the new user message.
func (r GenerateRequest) Messages() []Message {
	out := make([]Message, 0, len(r.History)+1)
	out = append(out, r.History...)
	return append(out, Message{Role: "user", Content: r.NewMessage})
}

// ChunkHandler receives streamed text in production order. Returning an error aborts the stream.
type ChunkHandler func(chunk string) error

// LLMProvider is the port for streaming chat generation.
type LLMProvider interface {
	Name() string
	// Generate streams the assistant reply through onChunk and returns once the stream
	// ends. A non-nil error means the stream is unusable, whatever was already emitted.
	Generate(ctx context.Context, req GenerateRequest, onChunk ChunkHandler) (Usage, error)
}

// TokenCounter estimates token counts for accounting when a provider reports none.
type TokenCounter interface {
	Count(model, text string) int
}
