package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/keyverify-api/internal/application/verification"
	"github.com/keyverify-api/internal/domain"
	"github.com/keyverify-api/internal/pkg/validate"
)

const maxBodyBytes = 4 << 10

// VerificationHandler serves session creation, passcode submission and
// status polling.
type VerificationHandler struct {
	svc verification.Service
}

func NewVerificationHandler(svc verification.Service) *VerificationHandler {
	return &VerificationHandler{svc: svc}
}

type verifyRequest struct {
	PassCode string `json:"passCode"`
}

func (h *VerificationHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req verification.CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ticket, err := h.svc.CreateSession(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("create verification session", "err", err)
			writeError(w, status, verification.MsgInternal)
			return
		}
		writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusCreated, ticket)
}

// Verify always answers with an Outcome body; the status code carries the
// error class.
func (h *VerificationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	jti := chi.URLParam(r, "jti")
	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		// An unreadable body carries no passcode; the service rejects it and
		// tells the session's subscribers like any other failed attempt.
		req.PassCode = ""
	}
	out, err := h.svc.VerifyPasscode(r.Context(), jti, req.PassCode)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("verify passcode", "jti", jti, "err", err)
		}
		if out == nil {
			out = &verification.Outcome{Success: false, Message: verification.MsgInternal}
		}
		writeJSON(w, status, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *VerificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	jti := chi.URLParam(r, "jti")
	view, err := h.svc.GetStatus(r.Context(), jti)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, StatusNotFoundEnvelope{IsValid: false, Message: verification.MsgNotFound})
		return
	}
	if err != nil {
		slog.Error("get verification status", "jti", jti, "err", err)
		writeError(w, http.StatusInternalServerError, verification.MsgInternal)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
