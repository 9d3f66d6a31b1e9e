package domain

import "errors"

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrState         = errors.New("invalid or expired")
	ErrUpstream      = errors.New("upstream verifier error")
	ErrConfiguration = errors.New("configuration error")
)
