package sns

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/keyverify-api/internal/domain"
)

const (
	certFetchTimeout = 5 * time.Second
	maxCertBytes     = 64 << 10
)

var snsCertHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// CertFetcher loads the signing certificate published at certURL.
type CertFetcher func(ctx context.Context, certURL string) (*x509.Certificate, error)

// Verifier checks the RSA signature SNS attaches to every HTTP delivery.
// Certificates are cached by URL for the life of the process.
type Verifier struct {
	fetch     CertFetcher
	localHost string

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

// NewVerifier accepts certificates from SNS hosts only, plus the host of
// endpointURL when one is configured (LocalStack). A nil fetch downloads over HTTP.
func NewVerifier(endpointURL string, fetch CertFetcher) *Verifier {
	v := &Verifier{fetch: fetch, certs: make(map[string]*x509.Certificate)}
	if v.fetch == nil {
		v.fetch = httpCertFetcher(&http.Client{Timeout: certFetchTimeout})
	}
	if endpointURL != "" {
		if u, err := url.Parse(endpointURL); err == nil {
			v.localHost = u.Hostname()
		}
	}
	return v
}

// Verify returns nil only when env carries a valid signature from an allowed
// signing certificate.
func (v *Verifier) Verify(ctx context.Context, env *Envelope) error {
	var hash crypto.Hash
	switch env.SignatureVersion {
	case "1":
		hash = crypto.SHA1
	case "2":
		hash = crypto.SHA256
	case "":
		return fmt.Errorf("sns envelope is unsigned: %w", domain.ErrValidation)
	default:
		return fmt.Errorf("sns signature version %q unsupported: %w", env.SignatureVersion, domain.ErrValidation)
	}
	if err := v.checkCertURL(env.SigningCertURL); err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("sns signature is not base64: %w", domain.ErrValidation)
	}
	payload, err := StringToSign(env)
	if err != nil {
		return err
	}

	cert, err := v.cert(ctx, env.SigningCertURL)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("sns signing certificate has no RSA key: %w", domain.ErrValidation)
	}

	var digest []byte
	if hash == crypto.SHA1 {
		sum := sha1.Sum([]byte(payload))
		digest = sum[:]
	} else {
		sum := sha256.Sum256([]byte(payload))
		digest = sum[:]
	}
	if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig); err != nil {
		return fmt.Errorf("sns signature mismatch: %w", domain.ErrValidation)
	}
	return nil
}

func (v *Verifier) checkCertURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return fmt.Errorf("sns signing cert url %q invalid: %w", raw, domain.ErrValidation)
	}
	host := u.Hostname()
	switch {
	case u.Scheme == "https" && snsCertHost.MatchString(host):
		return nil
	case v.localHost != "" && host == v.localHost:
		return nil
	}
	return fmt.Errorf("sns signing cert host %q not allowed: %w", host, domain.ErrValidation)
}

func (v *Verifier) cert(ctx context.Context, certURL string) (*x509.Certificate, error) {
	v.mu.Lock()
	c, ok := v.certs[certURL]
	v.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := v.fetch(ctx, certURL)
	if err != nil {
		return nil, fmt.Errorf("fetch sns signing cert: %v: %w", err, domain.ErrUpstream)
	}
	v.mu.Lock()
	v.certs[certURL] = c
	v.mu.Unlock()
	return c, nil
}

// StringToSign builds the canonical text SNS signs for env's message type.
func StringToSign(env *Envelope) (string, error) {
	var fields [][2]string
	switch env.Type {
	case TypeNotification:
		fields = append(fields, [2]string{"Message", env.Message}, [2]string{"MessageId", env.MessageID})
		if env.Subject != "" {
			fields = append(fields, [2]string{"Subject", env.Subject})
		}
		fields = append(fields,
			[2]string{"Timestamp", env.Timestamp},
			[2]string{"TopicArn", env.TopicArn},
			[2]string{"Type", env.Type},
		)
	case TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
		fields = [][2]string{
			{"Message", env.Message},
			{"MessageId", env.MessageID},
			{"SubscribeURL", env.SubscribeURL},
			{"Timestamp", env.Timestamp},
			{"Token", env.Token},
			{"TopicArn", env.TopicArn},
			{"Type", env.Type},
		}
	default:
		return "", fmt.Errorf("sns message type %q cannot be signed: %w", env.Type, domain.ErrValidation)
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f[0])
		b.WriteByte('\n')
		b.WriteString(f[1])
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func httpCertFetcher(client *http.Client) CertFetcher {
	return func(ctx context.Context, certURL string) (*x509.Certificate, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
		if err != nil {
			return nil, err
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("no PEM block")
		}
		return x509.ParseCertificate(block.Bytes)
	}
}
