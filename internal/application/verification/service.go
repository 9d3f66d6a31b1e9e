package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keyverify-api/internal/domain"
	jwtinfra "github.com/keyverify-api/internal/infrastructure/jwt"
	"github.com/keyverify-api/internal/infrastructure/metrics"
)

// Messages returned to the caller and pushed to subscribers.
const (
	MsgPasscodeRequired = "Passcode is required."
	MsgNotFound         = "Verification session not found."
	MsgInvalidOrExpired = "Invalid or expired verification session."
	MsgSucceeded        = "YubiKey verification successful!"
	MsgUpstream         = "Identity provider error: verification could not be completed."
	MsgInternal         = "An internal server error occurred."

	msgSessionValid   = "Session is valid."
	msgSessionExpired = "Session has expired."
)

const defaultVerifierTimeout = 10 * time.Second

// SessionStore is the persistence contract for verification sessions.
// CompareAndSwapStatus is the only way a status changes after Create.
type SessionStore interface {
	Create(ctx context.Context, s *domain.VerificationSession) error
	Get(ctx context.Context, jti string) (*domain.VerificationSession, error)
	CompareAndSwapStatus(ctx context.Context, jti string, expected, next domain.SessionStatus) (bool, error)
}

// FactorResult is the decision of the external identity provider.
type FactorResult struct {
	Accepted bool
	Reason   string // provider result code when not accepted
}

// FactorVerifier checks a passcode for a user's factor. A non-nil error means
// the provider could not produce a decision (transport, protocol or timeout).
type FactorVerifier interface {
	VerifyFactor(ctx context.Context, userID, factorID, passcode string) (FactorResult, error)
}

// Publisher pushes status events to the subscribers of a session topic.
type Publisher interface {
	Publish(ctx context.Context, jti string, ev domain.StatusEvent)
}

// TokenIssuer signs verification assertions.
type TokenIssuer interface {
	Issue(userID, factorID string, ttl time.Duration, now time.Time) (*jwtinfra.Assertion, error)
	TTL() time.Duration
}

type CreateSessionRequest struct {
	UserID   string `json:"userId" validate:"required"`
	FactorID string `json:"factorId" validate:"required"`
}

// SessionTicket is handed to the primary device after a session is created.
type SessionTicket struct {
	Token     string    `json:"token"`
	VerifyURL string    `json:"verifyUrl"`
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Outcome is the synchronous result of a passcode submission.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusView is the polling snapshot of a session.
type StatusView struct {
	IsValid   bool                 `json:"isValid"`
	ExpiresAt time.Time            `json:"expiresAt"`
	Status    domain.SessionStatus `json:"status"`
	Message   string               `json:"message"`
}

type Service interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionTicket, error)
	VerifyPasscode(ctx context.Context, jti, passcode string) (*Outcome, error)
	GetStatus(ctx context.Context, jti string) (*StatusView, error)
}

// ServiceDeps holds the collaborators of the verification service.
type ServiceDeps struct {
	Store           SessionStore
	Issuer          TokenIssuer
	Verifier        FactorVerifier
	Publisher       Publisher
	VerifierTimeout time.Duration
	Now             func() time.Time // defaults to time.Now
}

type service struct {
	store           SessionStore
	issuer          TokenIssuer
	verifier        FactorVerifier
	publisher       Publisher
	verifierTimeout time.Duration
	now             func() time.Time
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		store:           deps.Store,
		issuer:          deps.Issuer,
		verifier:        deps.Verifier,
		publisher:       deps.Publisher,
		verifierTimeout: deps.VerifierTimeout,
		now:             deps.Now,
	}
	if s.verifierTimeout <= 0 {
		s.verifierTimeout = defaultVerifierTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *service) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionTicket, error) {
	userID := strings.TrimSpace(req.UserID)
	factorID := strings.TrimSpace(req.FactorID)
	if userID == "" || factorID == "" {
		return nil, fmt.Errorf("userId and factorId are required: %w", domain.ErrValidation)
	}
	a, err := s.issuer.Issue(userID, factorID, s.issuer.TTL(), s.now().UTC())
	if err != nil {
		return nil, err
	}
	sess := &domain.VerificationSession{
		JTI:       a.JTI,
		UserID:    userID,
		FactorID:  factorID,
		Status:    domain.StatusPending,
		ExpiresAt: a.ExpiresAt,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	metrics.SessionsCreated.Inc()
	slog.Info("verification session created", "jti", a.JTI, "expires_at", a.ExpiresAt)
	return &SessionTicket{Token: a.Token, VerifyURL: a.VerifyURL, JTI: a.JTI, ExpiresAt: a.ExpiresAt}, nil
}

// VerifyPasscode drives a pending session to a terminal status at most once.
// Every path publishes an event equivalent to the returned outcome.
func (s *service) VerifyPasscode(ctx context.Context, jti, passcode string) (*Outcome, error) {
	// Once started, a verification runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if strings.TrimSpace(passcode) == "" {
		return s.reject(ctx, jti, "validation", MsgPasscodeRequired, domain.ErrValidation)
	}

	sess, err := s.store.Get(ctx, jti)
	if errors.Is(err, domain.ErrNotFound) {
		return s.reject(ctx, jti, "not_found", MsgNotFound, err)
	}
	if err != nil {
		slog.Error("load verification session", "jti", jti, "err", err)
		return s.reject(ctx, jti, "internal", MsgInternal, fmt.Errorf("load session: %w", err))
	}
	if !sess.Verifiable(s.now()) {
		return s.reject(ctx, jti, "invalid_or_expired", MsgInvalidOrExpired, domain.ErrState)
	}

	vctx, cancel := context.WithTimeout(ctx, s.verifierTimeout)
	result, verr := s.verifier.VerifyFactor(vctx, sess.UserID, sess.FactorID, passcode)
	cancel()

	target := domain.StatusFailed
	if verr == nil && result.Accepted {
		target = domain.StatusSucceeded
	}

	// No retry after this point: the passcode has been submitted upstream once.
	swapped, err := s.store.CompareAndSwapStatus(ctx, jti, domain.StatusPending, target)
	if err != nil {
		slog.Error("transition verification session", "jti", jti, "target", target, "err", err)
		return s.reject(ctx, jti, "internal", MsgInternal, fmt.Errorf("transition session: %w", err))
	}
	if !swapped {
		slog.Info("verification lost status race", "jti", jti)
		return s.reject(ctx, jti, "late", MsgInvalidOrExpired, domain.ErrState)
	}

	switch {
	case verr != nil:
		slog.Warn("factor verification upstream error", "jti", jti, "err", verr)
		return s.reject(ctx, jti, "upstream_error", MsgUpstream, fmt.Errorf("%v: %w", verr, domain.ErrUpstream))
	case !result.Accepted:
		out := &Outcome{Success: false, Message: "YubiKey verification failed: " + result.Reason}
		s.publish(ctx, jti, out)
		metrics.VerificationOutcomes.WithLabelValues("failed").Inc()
		return out, nil
	default:
		out := &Outcome{Success: true, Message: MsgSucceeded}
		s.publish(ctx, jti, out)
		metrics.VerificationOutcomes.WithLabelValues("succeeded").Inc()
		return out, nil
	}
}

func (s *service) GetStatus(ctx context.Context, jti string) (*StatusView, error) {
	sess, err := s.store.Get(ctx, jti)
	if err != nil {
		return nil, err
	}
	now := s.now()
	view := &StatusView{
		IsValid:   sess.Verifiable(now),
		ExpiresAt: sess.ExpiresAt,
		Status:    sess.Status,
	}
	switch {
	case view.IsValid:
		view.Message = msgSessionValid
	case sess.Expired(now):
		view.Message = msgSessionExpired
	default:
		view.Message = fmt.Sprintf("Session status: %s", sess.Status)
	}
	return view, nil
}

// reject publishes a failure event and returns the matching outcome and error.
func (s *service) reject(ctx context.Context, jti, result, msg string, err error) (*Outcome, error) {
	out := &Outcome{Success: false, Message: msg}
	s.publish(ctx, jti, out)
	metrics.VerificationOutcomes.WithLabelValues(result).Inc()
	return out, err
}

func (s *service) publish(ctx context.Context, jti string, out *Outcome) {
	if s.publisher == nil || jti == "" {
		return
	}
	s.publisher.Publish(ctx, jti, domain.StatusEvent{
		Success:   out.Success,
		Message:   out.Message,
		Timestamp: s.now().UTC(),
	})
}
