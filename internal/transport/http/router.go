package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/keyverify-api/internal/config"
	"github.com/keyverify-api/internal/transport/http/handler"
	appmiddleware "github.com/keyverify-api/internal/transport/http/middleware"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if cfg.TrustProxy {
		// Only behind a proxy that overwrites these headers; otherwise clients
		// could pick their own rate-limit key.
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	verifyRL := appmiddleware.NewRateLimiter(rate.Limit(cfg.VerifyRatePerSecond), cfg.VerifyRateBurst)

	healthH := handler.NewHealthHandler()
	verifyH := handler.NewVerificationHandler(deps.Verification)

	r.Get("/health-check/{action}", healthH.Ping)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Post("/sessions", verifyH.CreateSession)
	r.With(verifyRL.Limit).Post("/verify/{jti}", verifyH.Verify)
	r.Get("/verify/status/{jti}", verifyH.Status)

	if deps.Gateway != nil {
		r.Handle("/hubs/verification", deps.Gateway)
	}
	if deps.Backplane != nil && deps.Deliverer != nil {
		backplaneH := handler.NewBackplaneHandler(deps.Backplane, deps.Deliverer)
		r.Post("/internal/backplane/sns", backplaneH.Receive)
	}

	return r
}
