package notification

import (
	"context"
	"log/slog"

	"github.com/keyverify-api/internal/domain"
	"github.com/keyverify-api/internal/infrastructure/metrics"
)

// RemotePublisher forwards events to other service instances.
type RemotePublisher interface {
	Publish(ctx context.Context, jti string, ev domain.StatusEvent) error
}

// Fanout publishes on the local hub and, when a backplane is configured, on
// every other instance.
type Fanout struct {
	hub    *Hub
	remote RemotePublisher
}

// NewFanout builds a Fanout. remote may be nil for single-instance deployments.
func NewFanout(hub *Hub, remote RemotePublisher) *Fanout {
	return &Fanout{hub: hub, remote: remote}
}

func (f *Fanout) Publish(ctx context.Context, jti string, ev domain.StatusEvent) {
	f.hub.Publish(jti, ev)
	if f.remote == nil {
		return
	}
	if err := f.remote.Publish(ctx, jti, ev); err != nil {
		metrics.BackplaneFailures.Inc()
		slog.Warn("backplane publish failed", "jti", jti, "err", err)
	}
}

// Deliver applies an event received from the backplane to local subscribers only.
func (f *Fanout) Deliver(jti string, ev domain.StatusEvent) int {
	return f.hub.Publish(jti, ev)
}
