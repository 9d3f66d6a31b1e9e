package domain

import "time"

// SessionStatus is the stored lifecycle state of a verification session.
// "expired" is never stored; it is derived from ExpiresAt at read time.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusSucceeded SessionStatus = "succeeded"
	StatusFailed    SessionStatus = "failed"
)

// Valid reports whether s is one of the storable statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ValidTransition reports whether a stored session may move from expected to
// next. Only pending sessions change, and only to a terminal status.
func ValidTransition(expected, next SessionStatus) bool {
	return expected == StatusPending && next.Terminal()
}

// VerificationSession is the authoritative record of one out-of-band verification.
// PK: jti. ExpiresAt is fixed at creation and never extended.
type VerificationSession struct {
	JTI       string        `json:"jti" dynamodbav:"jti"`
	UserID    string        `json:"userId" dynamodbav:"user_id"`
	FactorID  string        `json:"factorId" dynamodbav:"factor_id"`
	Status    SessionStatus `json:"status" dynamodbav:"status"`
	ExpiresAt time.Time     `json:"expiresAt" dynamodbav:"expires_at"`
}

// Expired reports whether the session can no longer be verified at now.
func (s *VerificationSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Verifiable reports whether a passcode may still be submitted for the session.
func (s *VerificationSession) Verifiable(now time.Time) bool {
	return s.Status == StatusPending && !s.Expired(now)
}

// StatusEvent is pushed to every subscriber of a session's topic.
type StatusEvent struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
