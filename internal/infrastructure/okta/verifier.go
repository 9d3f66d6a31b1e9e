package okta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/keyverify-api/internal/application/verification"
	"github.com/keyverify-api/internal/domain"
)

const (
	factorResultSuccess = "SUCCESS"
	resultRejected      = "REJECTED"

	// errorCode Okta returns with 403 when the passcode does not match.
	errCodeInvalidPasscode = "E0000068"

	maxResponseBytes = 64 << 10
)

// Verifier checks hardware-key passcodes against the Okta Factors API.
type Verifier struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

// NewVerifier builds a Verifier for domain (with or without scheme). A nil
// client uses http.DefaultClient; deadlines come from the caller's context.
func NewVerifier(domainURL, apiToken string, client *http.Client) (*Verifier, error) {
	base := strings.TrimRight(strings.TrimSpace(domainURL), "/")
	if base == "" || strings.TrimSpace(apiToken) == "" {
		return nil, fmt.Errorf("okta domain and api token are required: %w", domain.ErrConfiguration)
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	if u, err := url.Parse(base); err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid okta domain %q: %w", domainURL, domain.ErrConfiguration)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Verifier{baseURL: base, apiToken: apiToken, client: client}, nil
}

type verifyRequest struct {
	PassCode string `json:"passCode"`
}

type verifyResponse struct {
	FactorResult string `json:"factorResult"`
}

type errorResponse struct {
	ErrorCode    string `json:"errorCode"`
	ErrorSummary string `json:"errorSummary"`
}

// VerifyFactor submits passcode once. A returned error means Okta gave no
// decision; rejections come back as FactorResult{Accepted: false}.
func (v *Verifier) VerifyFactor(ctx context.Context, userID, factorID, passcode string) (verification.FactorResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s/factors/%s/verify",
		v.baseURL, url.PathEscape(userID), url.PathEscape(factorID))

	body, err := json.Marshal(verifyRequest{PassCode: passcode})
	if err != nil {
		return verification.FactorResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return verification.FactorResult{}, fmt.Errorf("build okta request: %w", err)
	}
	req.Header.Set("Authorization", "SSWS "+v.apiToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return verification.FactorResult{}, fmt.Errorf("okta verify request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return verification.FactorResult{}, fmt.Errorf("read okta response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var vr verifyResponse
		if err := json.Unmarshal(raw, &vr); err != nil {
			return verification.FactorResult{}, fmt.Errorf("decode okta response: %w", err)
		}
		if strings.EqualFold(vr.FactorResult, factorResultSuccess) {
			return verification.FactorResult{Accepted: true}, nil
		}
		reason := vr.FactorResult
		if reason == "" {
			reason = resultRejected
		}
		return verification.FactorResult{Accepted: false, Reason: reason}, nil
	}

	var er errorResponse
	_ = json.Unmarshal(raw, &er)
	if resp.StatusCode == http.StatusForbidden && er.ErrorCode == errCodeInvalidPasscode {
		return verification.FactorResult{Accepted: false, Reason: resultRejected}, nil
	}

	slog.Warn("okta verify failed",
		"status", resp.StatusCode,
		"error_code", er.ErrorCode,
		"error_summary", er.ErrorSummary,
	)
	return verification.FactorResult{}, fmt.Errorf("okta verify: unexpected status %d", resp.StatusCode)
}
