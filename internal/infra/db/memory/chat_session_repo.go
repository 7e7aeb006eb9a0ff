package memory

import (
	"context"
	"time"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/repository"
)

var _ repository.ChatSessionRepository = (*ChatSessionRepo)(nil)

type ChatSessionRepo struct {
	s *Store
}

func cloneSession(in *model.ChatSession) *model.ChatSession {
	cp := *in
	cp.Messages = append([]model.ChatMessage(nil), in.Messages...)
	if in.Result != nil {
		r := *in.Result
		r.Goals = append([]string(nil), in.Result.Goals...)
		r.ActionItems = append([]string(nil), in.Result.ActionItems...)
		cp.Result = &r
	}
	return &cp
}

func (r *ChatSessionRepo) Save(ctx context.Context, _ repository.Tx, session *model.ChatSession) error {
	if session.ID == "" {
		return domain.ErrInvalidArgument
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *ChatSessionRepo) FindByID(ctx context.Context, _ repository.Tx, id string) (*model.ChatSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *ChatSessionRepo) AppendMessage(ctx context.Context, _ repository.Tx, m *model.ChatMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sessions[m.SessionID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if m.JobID != "" && s.HasJobMessage(m.JobID, m.Role) {
		return false, nil
	}
	msg := *m
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = msg.Timestamp
	return true, nil
}

func (r *ChatSessionRepo) MarkComplete(ctx context.Context, _ repository.Tx, sessionID, jobID string, result *model.SessionResult) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sessions[sessionID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if s.Status != model.ChatSessionActive {
		return false, nil
	}
	s.Status = model.ChatSessionCompleted
	s.CompletedByJob = jobID
	if result != nil {
		res := *result
		s.Result = &res
	}
	s.UpdatedAt = time.Now()
	return true, nil
}
