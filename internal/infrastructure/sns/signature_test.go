package sns

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keyverify-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCertURL = "https://sns.us-east-1.amazonaws.com/SimpleNotificationService-test.pem"

func newSigningCert(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sns.amazonaws.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func sign(t *testing.T, key *rsa.PrivateKey, env *Envelope) {
	t.Helper()
	env.SigningCertURL = testCertURL
	payload, err := StringToSign(env)
	require.NoError(t, err)

	var sig []byte
	if env.SignatureVersion == "1" {
		sum := sha1.Sum([]byte(payload))
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, sum[:])
	} else {
		env.SignatureVersion = "2"
		sum := sha256.Sum256([]byte(payload))
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	}
	require.NoError(t, err)
	env.Signature = base64.StdEncoding.EncodeToString(sig)
}

func staticFetcher(cert *x509.Certificate, calls *int) CertFetcher {
	return func(_ context.Context, _ string) (*x509.Certificate, error) {
		*calls++
		return cert, nil
	}
}

func signedNotification(t *testing.T, key *rsa.PrivateKey) *Envelope {
	t.Helper()
	env := &Envelope{
		Type:      TypeNotification,
		MessageID: "m-1",
		TopicArn:  "arn:aws:sns:us-east-1:000000000000:keyverify-status",
		Message:   `{"origin":"inst-b","jti":"j1","event":{"success":true,"message":"ok"}}`,
		Timestamp: "2026-01-02T03:04:05.000Z",
	}
	sign(t, key, env)
	return env
}

func TestVerifier_AcceptsSignedNotification(t *testing.T) {
	key, cert := newSigningCert(t)
	calls := 0
	v := NewVerifier("", staticFetcher(cert, &calls))

	require.NoError(t, v.Verify(context.Background(), signedNotification(t, key)))
	require.NoError(t, v.Verify(context.Background(), signedNotification(t, key)))
	assert.Equal(t, 1, calls, "signing cert is cached by URL")
}

func TestVerifier_AcceptsSignatureVersion1(t *testing.T) {
	key, cert := newSigningCert(t)
	calls := 0
	v := NewVerifier("", staticFetcher(cert, &calls))

	env := &Envelope{
		Type: TypeNotification, MessageID: "m-1", TopicArn: "arn:t", Subject: "status",
		Message: "{}", Timestamp: "2026-01-02T03:04:05.000Z", SignatureVersion: "1",
	}
	sign(t, key, env)
	assert.NoError(t, v.Verify(context.Background(), env))
}

func TestVerifier_AcceptsSignedSubscriptionConfirmation(t *testing.T) {
	key, cert := newSigningCert(t)
	calls := 0
	v := NewVerifier("", staticFetcher(cert, &calls))

	env := &Envelope{
		Type: TypeSubscriptionConfirmation, MessageID: "m-2", TopicArn: "arn:t", Token: "tok-1",
		Message:      "You have chosen to subscribe",
		SubscribeURL: "https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription",
		Timestamp:    "2026-01-02T03:04:05.000Z",
	}
	sign(t, key, env)
	assert.NoError(t, v.Verify(context.Background(), env))
}

func TestVerifier_RejectsForgedEnvelopes(t *testing.T) {
	key, cert := newSigningCert(t)
	otherKey, _ := newSigningCert(t)

	cases := []struct {
		name   string
		mutate func(env *Envelope)
	}{
		{"tampered message", func(env *Envelope) { env.Message = `{"origin":"x","jti":"j1","event":{"success":true}}` }},
		{"tampered topic", func(env *Envelope) { env.TopicArn = "arn:aws:sns:us-east-1:000000000000:other" }},
		{"garbage signature", func(env *Envelope) { env.Signature = "garbage" }},
		{"empty signature", func(env *Envelope) { env.Signature = "" }},
		{"unsigned", func(env *Envelope) { env.SignatureVersion = ""; env.Signature = "" }},
		{"unknown version", func(env *Envelope) { env.SignatureVersion = "3" }},
		{"signed by another key", func(env *Envelope) { sign(t, otherKey, env) }},
		{"wrong type", func(env *Envelope) { env.Type = "Bogus" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			v := NewVerifier("", staticFetcher(cert, &calls))
			env := signedNotification(t, key)
			tc.mutate(env)
			assert.ErrorIs(t, v.Verify(context.Background(), env), domain.ErrValidation)
		})
	}
}

func TestVerifier_RejectsUntrustedCertURL(t *testing.T) {
	key, cert := newSigningCert(t)

	for _, u := range []string{
		"",
		"http://sns.us-east-1.amazonaws.com/cert.pem",
		"https://attacker.example.com/cert.pem",
		"https://sns.us-east-1.amazonaws.com.attacker.example.com/cert.pem",
		"https://s3.amazonaws.com/sns/cert.pem",
	} {
		calls := 0
		v := NewVerifier("", staticFetcher(cert, &calls))
		env := signedNotification(t, key)
		env.SigningCertURL = u
		assert.ErrorIs(t, v.Verify(context.Background(), env), domain.ErrValidation, u)
		assert.Zero(t, calls, "cert must not be fetched from %q", u)
	}
}

func TestVerifier_AllowsConfiguredEndpointHost(t *testing.T) {
	key, cert := newSigningCert(t)
	calls := 0
	v := NewVerifier("http://localstack:4566", staticFetcher(cert, &calls))

	env := signedNotification(t, key)
	env.SigningCertURL = "http://localstack:4566/_aws/sns/SimpleNotificationService-test.pem"
	payload, err := StringToSign(env)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	require.NoError(t, err)
	env.Signature = base64.StdEncoding.EncodeToString(sig)

	assert.NoError(t, v.Verify(context.Background(), env))
}

func TestVerifier_FetchFailureIsUpstream(t *testing.T) {
	key, _ := newSigningCert(t)
	v := NewVerifier("", func(context.Context, string) (*x509.Certificate, error) {
		return nil, errors.New("connection refused")
	})
	assert.ErrorIs(t, v.Verify(context.Background(), signedNotification(t, key)), domain.ErrUpstream)
}

func TestHTTPCertFetcher(t *testing.T) {
	_, cert := newSigningCert(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cert.pem" {
			http.NotFound(w, r)
			return
		}
		_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}))
	defer srv.Close()

	fetch := httpCertFetcher(srv.Client())
	got, err := fetch(context.Background(), srv.URL+"/cert.pem")
	require.NoError(t, err)
	assert.True(t, got.Equal(cert))

	_, err = fetch(context.Background(), srv.URL+"/missing.pem")
	assert.Error(t, err)
}
