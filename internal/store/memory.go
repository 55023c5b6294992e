// ABOUTME: In-memory session store for tests and database-less setups
// ABOUTME: Safe for concurrent use; snapshots are deep-copied on the way in and out

package store

import (
	"context"
	"sync"

	"github.com/2389/courier-gateway/internal/session"
)

// MemoryStore implements session.Store with maps. Useful in tests and for
// running the gateway without a database file.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	branches map[string]*session.Branch
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session.Session),
		branches: make(map[string]*session.Branch),
	}
}

// GetSession loads a session by id. Returns session.ErrNotFound if absent.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Snapshot(), nil
}

// SaveSession stores a snapshot of the session.
func (m *MemoryStore) SaveSession(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Snapshot()
	return nil
}

// SaveBranch stores a branch.
func (m *MemoryStore) SaveBranch(ctx context.Context, b *session.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[b.ID] = copyBranch(b)
	return nil
}

// LoadBranch loads a branch by id. Returns session.ErrBranchNotFound if absent.
func (m *MemoryStore) LoadBranch(ctx context.Context, id string) (*session.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.branches[id]
	if !ok {
		return nil, session.ErrBranchNotFound
	}
	return copyBranch(b), nil
}

// ListBranches returns all branches for a session.
func (m *MemoryStore) ListBranches(ctx context.Context, sessionID string) ([]*session.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var branches []*session.Branch
	for _, b := range m.branches {
		if b.SessionID == sessionID {
			branches = append(branches, copyBranch(b))
		}
	}
	return branches, nil
}

// DeleteBranch removes a branch by id.
func (m *MemoryStore) DeleteBranch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.branches, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func copyBranch(b *session.Branch) *session.Branch {
	copied := *b
	copied.History = make([]session.Turn, len(b.History))
	copy(copied.History, b.History)
	return &copied
}
