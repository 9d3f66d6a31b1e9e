package http

import (
	"net/http"

	"github.com/keyverify-api/internal/application/verification"
	"github.com/keyverify-api/internal/transport/http/handler"
)

// Deps holds the collaborators the router mounts.
type Deps struct {
	Verification verification.Service
	Gateway      http.Handler // websocket status channel

	// Backplane and Deliverer are both nil when no SNS topic is configured.
	Backplane handler.BackplaneSubscription
	Deliverer handler.LocalDeliverer

	Metrics http.Handler
}
