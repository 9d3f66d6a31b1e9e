package jwtinfra

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/keyverify-api/internal/domain"
	"github.com/keyverify-api/internal/pkg/token"
)

// Claims holds the verification assertion payload.
type Claims struct {
	FactorID  string `json:"factorId"`
	VerifyURL string `json:"verifyUrl"`
	jwt.RegisteredClaims
}

// IssuerConfig is the immutable input to NewIssuer.
type IssuerConfig struct {
	Issuer        string
	Audience      string
	BaseVerifyURL string
	TTL           time.Duration
	KeyID         string // optional "kid" header
	PrivateKeyPEM []byte
}

// Assertion is the result of issuing a verification token.
type Assertion struct {
	Token     string
	VerifyURL string
	JTI       string
	ExpiresAt time.Time
}

// Issuer signs RS256 verification assertions.
type Issuer struct {
	issuer     string
	audience   string
	baseURL    string
	ttl        time.Duration
	keyID      string
	privateKey *rsa.PrivateKey
}

// NewIssuer validates cfg and parses the signing key. Every failure wraps
// domain.ErrConfiguration.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("issuer not configured: %w", domain.ErrConfiguration)
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, fmt.Errorf("audience not configured: %w", domain.ErrConfiguration)
	}
	u, err := url.Parse(cfg.BaseVerifyURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("base verify url %q is not an absolute http(s) url: %w", cfg.BaseVerifyURL, domain.ErrConfiguration)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be positive: %w", domain.ErrConfiguration)
	}
	if len(cfg.PrivateKeyPEM) == 0 {
		return nil, fmt.Errorf("signing key not configured: %w", domain.ErrConfiguration)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %v: %w", err, domain.ErrConfiguration)
	}
	return &Issuer{
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		baseURL:    strings.TrimRight(cfg.BaseVerifyURL, "/"),
		ttl:        cfg.TTL,
		keyID:      cfg.KeyID,
		privateKey: key,
	}, nil
}

// TTL is the configured session lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// PublicKey returns the key holders need to verify issued assertions.
func (i *Issuer) PublicKey() *rsa.PublicKey { return &i.privateKey.PublicKey }

// Issue builds and signs a new verification assertion. It does not persist
// anything; the caller stores the session.
func (i *Issuer) Issue(userID, factorID string, ttl time.Duration, now time.Time) (*Assertion, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(factorID) == "" {
		return nil, fmt.Errorf("userId and factorId are required: %w", domain.ErrValidation)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive: %w", domain.ErrConfiguration)
	}
	jti, err := token.NewJTI()
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	exp := now.Add(ttl)
	verifyURL := i.baseURL + "/verify/" + jti

	claims := Claims{
		FactorID:  factorID,
		VerifyURL: verifyURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if i.keyID != "" {
		tok.Header["kid"] = i.keyID
	}
	signed, err := tok.SignedString(i.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign verification token: %w", err)
	}
	return &Assertion{Token: signed, VerifyURL: verifyURL, JTI: jti, ExpiresAt: exp}, nil
}

// Parse verifies tokenStr against the issuer's public key, issuer and
// audience, evaluating time-based claims at now.
func (i *Issuer) Parse(tokenStr string, now time.Time) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.PublicKey(), nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
