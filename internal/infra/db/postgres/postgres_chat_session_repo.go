// File: internal/infra/db/postgres/postgres_chat_session_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/repository"
	"coach-chat-jobs/internal/infra/security"
)

var _ repository.ChatSessionRepository = (*ChatSessionRepo)(nil)

// ChatSessionRepo persists sessions and their messages. Message content is
// encrypted at rest when an encryption service is configured.
type ChatSessionRepo struct {
	pool          *pgxpool.Pool
	encryptionSvc *security.EncryptionService
}

func NewPostgresChatSessionRepo(pool *pgxpool.Pool, encryptionSvc *security.EncryptionService) *ChatSessionRepo {
	return &ChatSessionRepo{pool: pool, encryptionSvc: encryptionSvc}
}

func (r *ChatSessionRepo) Save(ctx context.Context, tx repository.Tx, session *model.ChatSession) error {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	result, err := encodeResult(session.Result)
	if err != nil {
		return err
	}
	const sql = `
INSERT INTO chat_sessions (id, tenant_id, user_id, model, status, result, completed_by_job, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9)
ON CONFLICT (id) DO UPDATE SET
  model = EXCLUDED.model,
  status = EXCLUDED.status,
  result = EXCLUDED.result,
  completed_by_job = EXCLUDED.completed_by_job,
  updated_at = EXCLUDED.updated_at;`
	_, err = q.Exec(ctx, sql, session.ID, session.TenantID, session.UserID, session.Model,
		string(session.Status), result, session.CompletedByJob, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *ChatSessionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.ChatSession, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	const qs = `
SELECT id, tenant_id, user_id, model, status, result, COALESCE(completed_by_job,''), created_at, updated_at
FROM chat_sessions WHERE id=$1;`
	var (
		s      model.ChatSession
		status string
		result []byte
	)
	err = q.QueryRow(ctx, qs, id).Scan(&s.ID, &s.TenantID, &s.UserID, &s.Model, &status, &result,
		&s.CompletedByJob, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = model.ChatSessionStatus(status)
	if len(result) > 0 {
		var res model.SessionResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decode session result: %w", err)
		}
		s.Result = &res
	}

	const qm = `
SELECT id, COALESCE(job_id,''), role, content, tokens, encrypted, created_at
FROM chat_messages WHERE session_id=$1 ORDER BY created_at ASC, role DESC;`
	rows, err := q.Query(ctx, qm, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m   model.ChatMessage
			enc bool
		)
		if err := rows.Scan(&m.ID, &m.JobID, &m.Role, &m.Content, &m.Tokens, &enc, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan msg: %w", err)
		}
		if enc {
			if r.encryptionSvc == nil {
				return nil, fmt.Errorf("message %s is encrypted but no key is configured", m.ID)
			}
			plain, err := r.encryptionSvc.Decrypt(m.Content, s.ID)
			if err != nil {
				return nil, fmt.Errorf("decrypt msg: %w", err)
			}
			m.Content = plain
		}
		m.SessionID = s.ID
		s.Messages = append(s.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *ChatSessionRepo) AppendMessage(ctx context.Context, tx repository.Tx, m *model.ChatMessage) (bool, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return false, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	payload := m.Content
	encFlag := false
	if r.encryptionSvc != nil {
		if payload, err = r.encryptionSvc.Encrypt(m.Content, m.SessionID); err != nil {
			return false, fmt.Errorf("encrypt msg: %w", err)
		}
		encFlag = true
	}

	const sql = `
INSERT INTO chat_messages (id, session_id, job_id, role, content, tokens, encrypted, created_at)
VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8)
ON CONFLICT ON CONSTRAINT ux_chat_messages_job_role DO NOTHING;`
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	tag, err := q.Exec(ctx, sql, m.ID, m.SessionID, m.JobID, m.Role, payload, m.Tokens, encFlag, m.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_, err = q.Exec(ctx, `UPDATE chat_sessions SET updated_at=NOW() WHERE id=$1;`, m.SessionID)
	return true, err
}

func (r *ChatSessionRepo) MarkComplete(ctx context.Context, tx repository.Tx, sessionID, jobID string, result *model.SessionResult) (bool, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return false, err
	}
	payload, err := encodeResult(result)
	if err != nil {
		return false, err
	}
	const sql = `
UPDATE chat_sessions SET status='completed', result=$3, completed_by_job=$2, updated_at=NOW()
WHERE id=$1 AND status='active';`
	tag, err := q.Exec(ctx, sql, sessionID, jobID, payload)
	if err != nil {
		return false, fmt.Errorf("mark session complete: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chat_sessions WHERE id=$1);`, sessionID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func encodeResult(res *model.SessionResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}
