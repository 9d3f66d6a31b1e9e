package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/keyverify-api/internal/domain"
	"github.com/keyverify-api/internal/infrastructure/sns"
)

// BackplaneSubscription is this instance's side of the SNS topic.
type BackplaneSubscription interface {
	TopicARN() string
	Origin() string
	Confirm(ctx context.Context, topicARN, token string) error
	Authenticate(ctx context.Context, env *sns.Envelope) error
}

// LocalDeliverer applies a remote event to local subscribers only.
type LocalDeliverer interface {
	Deliver(jti string, ev domain.StatusEvent) int
}

// BackplaneHandler receives SNS HTTP deliveries for the notification topic.
type BackplaneHandler struct {
	sub     BackplaneSubscription
	deliver LocalDeliverer
}

func NewBackplaneHandler(sub BackplaneSubscription, deliver LocalDeliverer) *BackplaneHandler {
	return &BackplaneHandler{sub: sub, deliver: deliver}
}

func (h *BackplaneHandler) Receive(w http.ResponseWriter, r *http.Request) {
	env, err := sns.DecodeEnvelope(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.TopicArn != h.sub.TopicARN() {
		slog.Warn("backplane: foreign topic", "topic", env.TopicArn)
		writeError(w, http.StatusForbidden, "unknown topic")
		return
	}
	if err := h.sub.Authenticate(r.Context(), env); err != nil {
		slog.Warn("backplane: rejected delivery", "type", env.Type, "err", err)
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	switch env.Type {
	case sns.TypeSubscriptionConfirmation:
		if err := h.sub.Confirm(r.Context(), env.TopicArn, env.Token); err != nil {
			slog.Error("backplane: confirm subscription", "err", err)
			writeError(w, http.StatusBadGateway, "subscription confirmation failed")
			return
		}
		slog.Info("backplane: subscription confirmed", "topic", env.TopicArn)
		w.WriteHeader(http.StatusNoContent)

	case sns.TypeNotification:
		msg, err := sns.DecodeMessage(env.Message)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if msg.Origin != h.sub.Origin() {
			n := h.deliver.Deliver(msg.JTI, msg.Event)
			slog.Debug("backplane: delivered", "jti", msg.JTI, "origin", msg.Origin, "subscribers", n)
		}
		w.WriteHeader(http.StatusNoContent)

	case sns.TypeUnsubscribeConfirmation:
		slog.Warn("backplane: unsubscribed", "topic", env.TopicArn)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusBadRequest, "unsupported message type")
	}
}
