package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyverify-api/internal/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS verification_sessions (
	jti        TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	factor_id  TEXT NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('pending', 'succeeded', 'failed')),
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_verification_sessions_expires_at ON verification_sessions (expires_at);
`

// Bootstrap creates the sessions table if it does not exist.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("bootstrap verification_sessions: %w", err)
	}
	return nil
}

// SessionRepo stores verification sessions in Postgres.
type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.VerificationSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO verification_sessions (jti, user_id, factor_id, status, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.JTI, s.UserID, s.FactorID, string(domain.StatusPending), s.ExpiresAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s already exists: %w", s.JTI, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, jti string) (*domain.VerificationSession, error) {
	var (
		s      domain.VerificationSession
		status string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT jti, user_id, factor_id, status, expires_at
		FROM verification_sessions
		WHERE jti = $1`, jti,
	).Scan(&s.JTI, &s.UserID, &s.FactorID, &status, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	s.Status = domain.SessionStatus(status)
	s.ExpiresAt = s.ExpiresAt.UTC()
	return &s, nil
}

// CompareAndSwapStatus is a single guarded UPDATE; row-level locking makes
// exactly one of several concurrent callers observe RowsAffected == 1.
func (r *SessionRepo) CompareAndSwapStatus(ctx context.Context, jti string, expected, next domain.SessionStatus) (bool, error) {
	if !domain.ValidTransition(expected, next) {
		return false, fmt.Errorf("invalid status transition %s -> %s: %w", expected, next, domain.ErrState)
	}
	ct, err := r.pool.Exec(ctx, `
		UPDATE verification_sessions
		SET status = $3
		WHERE jti = $1 AND status = $2`,
		jti, string(expected), string(next),
	)
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
