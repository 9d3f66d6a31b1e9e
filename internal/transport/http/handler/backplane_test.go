package handler

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	notificationapp "github.com/keyverify-api/internal/application/notification"
	"github.com/keyverify-api/internal/domain"
	"github.com/keyverify-api/internal/infrastructure/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTopic = "arn:aws:sns:us-east-1:000000000000:keyverify-status"

type mockSubscription struct {
	mock.Mock
	authErr error
}

func (m *mockSubscription) TopicARN() string { return testTopic }
func (m *mockSubscription) Origin() string   { return "self" }
func (m *mockSubscription) Confirm(ctx context.Context, topicARN, token string) error {
	return m.Called(ctx, topicARN, token).Error(0)
}

func (m *mockSubscription) Authenticate(context.Context, *sns.Envelope) error { return m.authErr }

type mockDeliverer struct{ mock.Mock }

func (m *mockDeliverer) Deliver(jti string, ev domain.StatusEvent) int {
	return m.Called(jti, ev).Int(0)
}

func postEnvelope(t *testing.T, h *BackplaneHandler, env sns.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.Receive(rr, httptest.NewRequest(http.MethodPost, "/internal/backplane/sns", bytes.NewReader(b)))
	return rr
}

func notification(t *testing.T, origin, jti string) sns.Envelope {
	t.Helper()
	body, err := sns.EncodeMessage(sns.Message{Origin: origin, JTI: jti, Event: domain.StatusEvent{Success: true, Message: "ok"}})
	require.NoError(t, err)
	return sns.Envelope{Type: sns.TypeNotification, TopicArn: testTopic, Message: body}
}

func TestBackplane_DeliversRemoteNotification(t *testing.T) {
	sub, del := &mockSubscription{}, &mockDeliverer{}
	del.On("Deliver", "j1", mock.MatchedBy(func(ev domain.StatusEvent) bool { return ev.Success && ev.Message == "ok" })).Return(1)

	rr := postEnvelope(t, NewBackplaneHandler(sub, del), notification(t, "other-instance", "j1"))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	del.AssertExpectations(t)
}

func TestBackplane_SkipsOwnEcho(t *testing.T) {
	sub, del := &mockSubscription{}, &mockDeliverer{}
	rr := postEnvelope(t, NewBackplaneHandler(sub, del), notification(t, "self", "j1"))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	del.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
}

func TestBackplane_RejectsForeignTopic(t *testing.T) {
	sub, del := &mockSubscription{}, &mockDeliverer{}
	env := notification(t, "other", "j1")
	env.TopicArn = "arn:aws:sns:us-east-1:111111111111:someone-else"

	rr := postEnvelope(t, NewBackplaneHandler(sub, del), env)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	del.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
}

func TestBackplane_ConfirmsSubscription(t *testing.T) {
	sub, del := &mockSubscription{}, &mockDeliverer{}
	sub.On("Confirm", mock.Anything, testTopic, "tok-1").Return(nil)

	rr := postEnvelope(t, NewBackplaneHandler(sub, del), sns.Envelope{
		Type: sns.TypeSubscriptionConfirmation, TopicArn: testTopic, Token: "tok-1",
		SubscribeURL: "https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription",
	})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	sub.AssertExpectations(t)
}

func TestBackplane_ConfirmFailure(t *testing.T) {
	sub, del := &mockSubscription{}, &mockDeliverer{}
	sub.On("Confirm", mock.Anything, testTopic, "tok-1").Return(errors.New("denied"))

	rr := postEnvelope(t, NewBackplaneHandler(sub, del), sns.Envelope{
		Type: sns.TypeSubscriptionConfirmation, TopicArn: testTopic, Token: "tok-1",
	})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestBackplane_MalformedInput(t *testing.T) {
	sub, del := &mockSubscription{}, &mockDeliverer{}
	h := NewBackplaneHandler(sub, del)

	rr := httptest.NewRecorder()
	h.Receive(rr, httptest.NewRequest(http.MethodPost, "/internal/backplane/sns", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	env := sns.Envelope{Type: sns.TypeNotification, TopicArn: testTopic, Message: "not json"}
	assert.Equal(t, http.StatusBadRequest, postEnvelope(t, h, env).Code)

	env = sns.Envelope{Type: "Bogus", TopicArn: testTopic}
	assert.Equal(t, http.StatusBadRequest, postEnvelope(t, h, env).Code)
}

func TestBackplane_RejectsUnauthenticatedDelivery(t *testing.T) {
	sub, del := &mockSubscription{authErr: errors.New("bad signature")}, &mockDeliverer{}
	h := NewBackplaneHandler(sub, del)

	rr := postEnvelope(t, h, notification(t, "other-instance", "j1"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	del.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)

	rr = postEnvelope(t, h, sns.Envelope{Type: sns.TypeSubscriptionConfirmation, TopicArn: testTopic, Token: "tok-1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	sub.AssertNotCalled(t, "Confirm", mock.Anything, mock.Anything, mock.Anything)
}

// signedSubscription authenticates with a real verifier against a fixed cert.
type signedSubscription struct {
	*mockSubscription
	verifier *sns.Verifier
}

func (s *signedSubscription) Authenticate(ctx context.Context, env *sns.Envelope) error {
	return s.verifier.Verify(ctx, env)
}

func TestBackplane_ForgedNotificationNotDelivered(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{SerialNumber: big.NewInt(1), NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	sub := &signedSubscription{
		mockSubscription: &mockSubscription{},
		verifier: sns.NewVerifier("", func(context.Context, string) (*x509.Certificate, error) {
			return cert, nil
		}),
	}
	del := &mockDeliverer{}
	h := NewBackplaneHandler(sub, del)

	forged := notification(t, "attacker", "victim-jti")
	forged.MessageID = "m-1"
	forged.Timestamp = "2026-01-02T03:04:05.000Z"
	forged.SignatureVersion = "1"
	forged.Signature = "garbage"
	forged.SigningCertURL = "https://sns.us-east-1.amazonaws.com/SimpleNotificationService.pem"
	assert.Equal(t, http.StatusForbidden, postEnvelope(t, h, forged).Code)

	forged.Signature = base64.StdEncoding.EncodeToString(make([]byte, 256))
	assert.Equal(t, http.StatusForbidden, postEnvelope(t, h, forged).Code)
	del.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)

	// The same envelope signed by the certificate's key goes through.
	payload, err := sns.StringToSign(&forged)
	require.NoError(t, err)
	sum := sha1.Sum([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, sum[:])
	require.NoError(t, err)
	forged.Signature = base64.StdEncoding.EncodeToString(sig)
	del.On("Deliver", "victim-jti", mock.Anything).Return(1)
	assert.Equal(t, http.StatusNoContent, postEnvelope(t, h, forged).Code)
	del.AssertNumberOfCalls(t, "Deliver", 1)
}

func TestBackplane_ForgedNotificationNeverReachesSubscriber(t *testing.T) {
	hub := notificationapp.NewHub(slog.Default())
	sub := notificationapp.NewSubscriber("c1", 4)
	hub.Subscribe(sub, "victim-jti")
	fan := notificationapp.NewFanout(hub, nil)

	signed := &signedSubscription{
		mockSubscription: &mockSubscription{},
		verifier: sns.NewVerifier("", func(context.Context, string) (*x509.Certificate, error) {
			return nil, errors.New("no cert needed")
		}),
	}
	h := NewBackplaneHandler(signed, fan)

	body, err := sns.EncodeMessage(sns.Message{
		Origin: "attacker",
		JTI:    "victim-jti",
		Event:  domain.StatusEvent{Success: true, Message: "YubiKey verification successful!"},
	})
	require.NoError(t, err)
	rr := postEnvelope(t, h, sns.Envelope{
		Type: sns.TypeNotification, TopicArn: testTopic, Message: body,
		SignatureVersion: "1", Signature: "garbage",
		SigningCertURL: "https://sns.us-east-1.amazonaws.com/SimpleNotificationService.pem",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	select {
	case ev := <-sub.Send:
		t.Fatalf("subscriber received forged event: %+v", ev)
	default:
	}
}
