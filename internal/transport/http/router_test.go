package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keyverify-api/internal/application/verification"
	"github.com/keyverify-api/internal/config"
	"github.com/keyverify-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type stubService struct{ mock.Mock }

func (s *stubService) CreateSession(ctx context.Context, req verification.CreateSessionRequest) (*verification.SessionTicket, error) {
	args := s.Called(ctx, req)
	t, _ := args.Get(0).(*verification.SessionTicket)
	return t, args.Error(1)
}

func (s *stubService) VerifyPasscode(ctx context.Context, jti, passcode string) (*verification.Outcome, error) {
	args := s.Called(ctx, jti, passcode)
	o, _ := args.Get(0).(*verification.Outcome)
	return o, args.Error(1)
}

func (s *stubService) GetStatus(ctx context.Context, jti string) (*verification.StatusView, error) {
	args := s.Called(ctx, jti)
	v, _ := args.Get(0).(*verification.StatusView)
	return v, args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		AllowedOrigins:      []string{"http://app.example.com"},
		VerifyRatePerSecond: 0.001,
		VerifyRateBurst:     2,
	}
}

func TestRouter_Routes(t *testing.T) {
	svc := &stubService{}
	svc.On("GetStatus", mock.Anything, "j1").Return(&verification.StatusView{Status: domain.StatusPending}, nil)
	router := NewRouter(testConfig(), &Deps{Verification: svc})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/verify/status/j1", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health-check/ping", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/backplane/sns", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code, "backplane route is not mounted without a topic")
}

func TestRouter_VerifyIsRateLimited(t *testing.T) {
	svc := &stubService{}
	svc.On("VerifyPasscode", mock.Anything, "j1", "x").
		Return(&verification.Outcome{Message: verification.MsgInvalidOrExpired}, domain.ErrState)
	router := NewRouter(testConfig(), &Deps{Verification: svc})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/verify/j1", bytes.NewBufferString(`{"passCode":"x"}`)))
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
	svc.AssertNumberOfCalls(t, "VerifyPasscode", 2)
}

func TestRouter_CORSAllowlist(t *testing.T) {
	router := NewRouter(testConfig(), &Deps{Verification: &stubService{}})

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "http://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, "http://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_ForwardedForIgnoredByDefault(t *testing.T) {
	svc := &stubService{}
	svc.On("VerifyPasscode", mock.Anything, "j1", "x").
		Return(&verification.Outcome{Message: verification.MsgInvalidOrExpired}, domain.ErrState)
	router := NewRouter(testConfig(), &Deps{Verification: svc})

	limited := 0
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/verify/j1", bytes.NewBufferString(`{"passCode":"x"}`))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 3, limited)
}

func TestRouter_TrustProxyKeysOnForwardedFor(t *testing.T) {
	svc := &stubService{}
	svc.On("VerifyPasscode", mock.Anything, "j1", "x").
		Return(&verification.Outcome{Message: verification.MsgInvalidOrExpired}, domain.ErrState)
	cfg := testConfig()
	cfg.TrustProxy = true
	router := NewRouter(cfg, &Deps{Verification: svc})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/verify/j1", bytes.NewBufferString(`{"passCode":"x"}`))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	}
}
