package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/keyverify-api/internal/application/notification"
	"github.com/keyverify-api/internal/application/verification"
	"github.com/keyverify-api/internal/config"
	"github.com/keyverify-api/internal/infrastructure/dynamo"
	jwtinfra "github.com/keyverify-api/internal/infrastructure/jwt"
	"github.com/keyverify-api/internal/infrastructure/memory"
	"github.com/keyverify-api/internal/infrastructure/metrics"
	"github.com/keyverify-api/internal/infrastructure/okta"
	"github.com/keyverify-api/internal/infrastructure/postgres"
	s3infra "github.com/keyverify-api/internal/infrastructure/s3"
	"github.com/keyverify-api/internal/infrastructure/sns"
	"github.com/keyverify-api/internal/pkg/id"
	transporthttp "github.com/keyverify-api/internal/transport/http"
	"github.com/keyverify-api/internal/transport/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, reading from environment")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration", err)
	}

	ctx := context.Background()

	keyPEM, err := loadSigningKey(ctx, cfg)
	if err != nil {
		fatal("load signing key", err)
	}
	issuer, err := jwtinfra.NewIssuer(jwtinfra.IssuerConfig{
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		BaseVerifyURL: cfg.JWTBaseVerifyURL,
		TTL:           cfg.JWTTTL,
		KeyID:         cfg.JWTKeyID,
		PrivateKeyPEM: keyPEM,
	})
	if err != nil {
		fatal("token issuer", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fatal("session store", err)
	}
	defer closeStore()

	verifier, err := okta.NewVerifier(cfg.OktaDomain, cfg.OktaAPIToken, &http.Client{Timeout: cfg.VerifierTimeout})
	if err != nil {
		fatal("okta verifier", err)
	}

	origin := id.New()
	hub := notification.NewHub(slog.Default())

	var (
		remote    notification.RemotePublisher
		backplane *sns.Backplane
	)
	if cfg.SNSBackplaneTopicARN != "" {
		backplane, err = sns.NewBackplane(ctx, cfg, origin)
		if err != nil {
			fatal("sns backplane", err)
		}
		remote = backplane
		slog.Info("notification backplane enabled", "topic", cfg.SNSBackplaneTopicARN, "origin", origin)
	}
	fanout := notification.NewFanout(hub, remote)

	svc := verification.NewService(verification.ServiceDeps{
		Store:           store,
		Issuer:          issuer,
		Verifier:        verifier,
		Publisher:       fanout,
		VerifierTimeout: cfg.VerifierTimeout,
	})

	deps := &transporthttp.Deps{
		Verification: svc,
		Gateway:      ws.NewGateway(slog.Default(), hub, ws.Options{AllowedOrigins: cfg.AllowedOrigins}),
		Metrics:      metrics.Handler(),
	}
	if backplane != nil {
		deps.Backplane = backplane
		deps.Deliverer = fanout
	}

	router := transporthttp.NewRouter(cfg, deps)

	// No read/write timeouts: they would also cut hijacked websocket
	// connections, which manage their own deadlines.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.AppPort, "env", cfg.AppEnv, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "err", err)
	}
	slog.Info("server stopped")
}

// loadSigningKey reads the PEM private key from a local path or an s3:// URI.
func loadSigningKey(ctx context.Context, cfg *config.Config) ([]byte, error) {
	if !s3infra.IsURI(cfg.JWTPrivateKeyPath) {
		return os.ReadFile(cfg.JWTPrivateKeyPath)
	}
	bucket, key, err := s3infra.ParseURI(cfg.JWTPrivateKeyPath)
	if err != nil {
		return nil, err
	}
	client, err := s3infra.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s3infra.NewStore(client, bucket).Get(ctx, key)
}

// openStore builds the configured session store and returns its cleanup.
func openStore(ctx context.Context, cfg *config.Config) (verification.SessionStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Bootstrap(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.NewSessionRepo(pool), pool.Close, nil

	case config.BackendMemory:
		slog.Warn("using in-memory session store; sessions are lost on restart and not shared between instances")
		return memory.NewSessionRepo(), func() {}, nil

	default:
		client, err := dynamo.NewClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		// Bootstrap DynamoDB table (creates it if it doesn't exist).
		dynamo.Bootstrap(ctx, client, cfg.DynamoTables)
		return dynamo.NewSessionRepo(client, cfg.DynamoTables.VerificationSessions), func() {}, nil
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
