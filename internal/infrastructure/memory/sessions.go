// Package memory provides an in-process session store for local development
// and tests. It is only correct for a single instance.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/keyverify-api/internal/domain"
)

// SessionRepo is a mutex-guarded map keyed by jti.
type SessionRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.VerificationSession
}

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{sessions: make(map[string]domain.VerificationSession)}
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.VerificationSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.JTI]; ok {
		return fmt.Errorf("session %s already exists: %w", s.JTI, domain.ErrConflict)
	}
	rec := *s
	rec.Status = domain.StatusPending
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	r.sessions[s.JTI] = rec
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, jti string) (*domain.VerificationSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[jti]
	if !ok {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	return &rec, nil
}

func (r *SessionRepo) CompareAndSwapStatus(ctx context.Context, jti string, expected, next domain.SessionStatus) (bool, error) {
	if !domain.ValidTransition(expected, next) {
		return false, fmt.Errorf("invalid status transition %s -> %s: %w", expected, next, domain.ErrState)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[jti]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = next
	r.sessions[jti] = rec
	return true, nil
}
