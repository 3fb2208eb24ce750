package memory

import (
	"context"
	"sort"
	"sync"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
)

// MemorySessionRepository stores copies so callers never share a record
// with the store.
type MemorySessionRepository struct {
	sessions map[domain.SessionCode]*domain.Session
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionCode]*domain.Session),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.Code]; exists {
		return domain.ErrSessionExists
	}

	r.sessions[session.Code] = session.Clone()
	return nil
}

func (r *MemorySessionRepository) Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[code]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (r *MemorySessionRepository) Update(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.Code]; !exists {
		return domain.ErrSessionNotFound
	}

	r.sessions[session.Code] = session.Clone()
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, code domain.SessionCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[code]; !exists {
		return domain.ErrSessionNotFound
	}

	delete(r.sessions, code)
	return nil
}

func (r *MemorySessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
