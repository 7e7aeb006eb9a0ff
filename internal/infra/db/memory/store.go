// Package memory is the single-process storage backend used in dev mode and tests.
// It honours the same conditional-write contract as the Postgres repositories.
package memory

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v4"

	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/repository"
)

var _ repository.TransactionManager = (*TxManager)(nil)

// Store holds jobs, sessions and the session slot table behind one mutex.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	active   map[string]string // session id -> job id
	sessions map[string]*model.ChatSession

	// serializes transactions so a finalize is never interleaved with another
	txMu sync.Mutex
}

func NewStore() *Store {
	return &Store{
		jobs:     make(map[string]*model.Job),
		active:   make(map[string]string),
		sessions: make(map[string]*model.ChatSession),
	}
}

func (s *Store) Jobs() *JobRepo { return &JobRepo{s: s} }

func (s *Store) Sessions() *ChatSessionRepo { return &ChatSessionRepo{s: s} }

func (s *Store) TxManager() *TxManager { return &TxManager{s: s} }

// release frees the session slot if jobID still holds it. Callers hold s.mu.
func (s *Store) release(sessionID, jobID string) {
	if s.active[sessionID] == jobID {
		delete(s.active, sessionID)
	}
}

// TxManager runs fn under the store's transaction lock. Writes are not rolled back
// on error; every write the executor makes inside a transaction is idempotent.
type TxManager struct {
	s *Store
}

func (m *TxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	m.s.txMu.Lock()
	defer m.s.txMu.Unlock()
	return fn(ctx, repository.NoTX)
}
