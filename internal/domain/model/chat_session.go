package model

import (
	"time"
)

type ChatSessionStatus string

const (
	ChatSessionActive    ChatSessionStatus = "active"
	ChatSessionCompleted ChatSessionStatus = "completed"
	ChatSessionArchived  ChatSessionStatus = "archived"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage represents one message within a chat session.
// Messages written by the executor carry the id of the job that produced them.
type ChatMessage struct {
	ID        string
	SessionID string
	JobID     string
	Role      string // "user" | "assistant" | "system"
	Content   string
	Tokens    int
	Timestamp time.Time
}

// ChatSession is the aggregate root for a coaching conversation.
type ChatSession struct {
	ID             string
	TenantID       string
	UserID         string
	Model          string
	Status         ChatSessionStatus
	Result         *SessionResult
	CompletedByJob string
	Messages       []ChatMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewChatSession(id, tenantID, userID, model string) *ChatSession {
	now := time.Now()
	return &ChatSession{
		ID:        id,
		TenantID:  tenantID,
		UserID:    userID,
		Model:     model,
		Status:    ChatSessionActive,
		Messages:  make([]ChatMessage, 0, 8),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *ChatSession) AcceptsMessages() bool { return s.Status == ChatSessionActive }

func (s *ChatSession) OwnedBy(tenantID, userID string) bool {
	return s.TenantID == tenantID && s.UserID == userID
}

// HasJobMessage reports whether a message with role was already appended for jobID.
func (s *ChatSession) HasJobMessage(jobID, role string) bool {
	for _, m := range s.Messages {
		if m.JobID == jobID && m.Role == role {
			return true
		}
	}
	return false
}

func (s *ChatSession) GetRecentMessages(n int) []ChatMessage {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}
