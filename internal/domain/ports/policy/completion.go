package policy

import "coach-chat-jobs/internal/domain/model"

// CompletionPolicy decides whether a finished reply also concludes the session.
type CompletionPolicy interface {
	IsFinal(output string) bool
	// Visible returns the part of output that belongs in the session transcript.
	Visible(output string) string
}

// ResultExtractor builds the structured session result from a final reply.
type ResultExtractor interface {
	Extract(output string) (*model.SessionResult, error)
}
