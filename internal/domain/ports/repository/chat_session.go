package repository

import (
	"context"

	"coach-chat-jobs/internal/domain/model"
)

// ChatSessionRepository is the session aggregate's contract. Only the executor's
// finalize step calls AppendMessage and MarkComplete; both are idempotent per job id.
type ChatSessionRepository interface {
	Save(ctx context.Context, tx Tx, session *model.ChatSession) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.ChatSession, error)
	// AppendMessage stores m unless a message with the same (JobID, Role) exists.
	// It reports whether the message was written.
	AppendMessage(ctx context.Context, tx Tx, m *model.ChatMessage) (bool, error)
	// MarkComplete closes an active session on behalf of jobID. Re-applying it for
	// the same job is a no-op that reports false.
	MarkComplete(ctx context.Context, tx Tx, sessionID, jobID string, result *model.SessionResult) (bool, error)
}
