// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyverify"

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Verification sessions created.",
	})

	// VerificationOutcomes is labelled by result: succeeded, failed,
	// upstream_error, validation, not_found, invalid_or_expired, late, internal.
	VerificationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verification_outcomes_total",
		Help:      "Passcode submissions by result.",
	}, []string{"result"})

	HubDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_deliveries_total",
		Help:      "Status events queued to live subscribers.",
	})

	HubDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_drops_total",
		Help:      "Status events dropped because a subscriber queue was full.",
	})

	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_connections",
		Help:      "Open real-time connections.",
	})

	BackplaneFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backplane_publish_failures_total",
		Help:      "Status events that could not be forwarded to other instances.",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
