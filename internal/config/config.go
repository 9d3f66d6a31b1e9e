package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keyverify-api/internal/domain"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendDynamo   = "dynamo"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all runtime configuration loaded from environment variables.
// It is built once at startup and never mutated afterwards.
type Config struct {
	AppPort        string
	AppEnv         string
	AllowedOrigins []string // CORS and websocket origin allowlist
	TrustProxy     bool     // honour X-Forwarded-For / X-Real-IP from a fronting proxy

	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string

	StoreBackend string
	DynamoTables DynamoTables
	DatabaseURL  string
	DBMaxConns   int32

	JWTIssuer         string
	JWTAudience       string
	JWTBaseVerifyURL  string
	JWTTTL            time.Duration
	JWTKeyID          string
	JWTPrivateKeyPath string // local path or s3://bucket/key

	OktaDomain      string
	OktaAPIToken    string
	VerifierTimeout time.Duration

	SNSRegion            string
	SNSBackplaneTopicARN string // empty disables the cross-instance backplane

	VerifyRatePerSecond float64
	VerifyRateBurst     int

	// loadErrs collects malformed values seen by Load; Validate reports them.
	loadErrs []error
}

// DynamoTables holds the DynamoDB table name for each entity.
type DynamoTables struct {
	VerificationSessions string
}

// Load reads all configuration from environment variables.
func Load() *Config {
	var errs []error
	cfg := &Config{
		AppPort:        getEnv("APP_PORT", "3000"),
		AppEnv:         getEnv("APP_ENV", "development"),
		AllowedOrigins: splitCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		TrustProxy:     getEnvBool("TRUST_PROXY", false, &errs),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", BackendDynamo)),
		DynamoTables: DynamoTables{
			VerificationSessions: getEnv("DYNAMO_TABLE_VERIFICATION_SESSIONS", "verification_sessions"),
		},
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		DBMaxConns:           int32(getEnvInt("DB_MAX_CONNS", 10, &errs)),
		JWTIssuer:            getEnv("JWT_ISSUER", ""),
		JWTAudience:          getEnv("JWT_AUDIENCE", ""),
		JWTBaseVerifyURL:     getEnv("JWT_BASE_VERIFY_URL", ""),
		JWTTTL:               time.Duration(getEnvInt("JWT_TTL_SECONDS", 300, &errs)) * time.Second,
		JWTKeyID:             getEnv("JWT_KEY_ID", ""),
		JWTPrivateKeyPath:    getEnv("JWT_PRIVATE_KEY_PATH", "./private.pem"),
		OktaDomain:           getEnv("OKTA_DOMAIN", ""),
		OktaAPIToken:         getEnv("OKTA_API_TOKEN", ""),
		VerifierTimeout:      time.Duration(getEnvInt("VERIFIER_TIMEOUT_SECONDS", 10, &errs)) * time.Second,
		SNSRegion:            getEnv("SNS_REGION", "us-east-1"),
		SNSBackplaneTopicARN: getEnv("SNS_BACKPLANE_TOPIC_ARN", ""),
		VerifyRatePerSecond:  getEnvFloat("VERIFY_RATE_PER_SECOND", 2, &errs),
		VerifyRateBurst:      getEnvInt("VERIFY_RATE_BURST", 5, &errs),
	}
	cfg.loadErrs = errs
	return cfg
}

// Validate reports the first missing or malformed setting, wrapped in
// domain.ErrConfiguration. Callers treat it as fatal at startup.
func (c *Config) Validate() error {
	if len(c.loadErrs) > 0 {
		return fmt.Errorf("%w: %w", errors.Join(c.loadErrs...), domain.ErrConfiguration)
	}
	required := []struct{ key, value string }{
		{"JWT_ISSUER", c.JWTIssuer},
		{"JWT_AUDIENCE", c.JWTAudience},
		{"JWT_BASE_VERIFY_URL", c.JWTBaseVerifyURL},
		{"JWT_PRIVATE_KEY_PATH", c.JWTPrivateKeyPath},
		{"OKTA_DOMAIN", c.OktaDomain},
		{"OKTA_API_TOKEN", c.OktaAPIToken},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required: %w", r.key, domain.ErrConfiguration)
		}
	}
	if u, err := url.Parse(c.JWTBaseVerifyURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("JWT_BASE_VERIFY_URL must be an absolute URL: %w", domain.ErrConfiguration)
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL_SECONDS must be positive: %w", domain.ErrConfiguration)
	}
	if c.VerifierTimeout <= 0 {
		return fmt.Errorf("VERIFIER_TIMEOUT_SECONDS must be positive: %w", domain.ErrConfiguration)
	}
	switch c.StoreBackend {
	case BackendDynamo, BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend: %w", domain.ErrConfiguration)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q: %w", c.StoreBackend, domain.ErrConfiguration)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns fallback when key is unset. A set but malformed value
// is recorded in errs so Validate can reject it.
func getEnvInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q is not an integer", key, v))
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q is not a number", key, v))
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q is not a boolean", key, v))
		return fallback
	}
	return b
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
