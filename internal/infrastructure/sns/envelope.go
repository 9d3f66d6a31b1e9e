package sns

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/keyverify-api/internal/domain"
)

// SNS HTTP delivery types.
const (
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeNotification             = "Notification"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

const maxEnvelopeBytes = 256 << 10

// Envelope is the JSON document SNS POSTs to an HTTP(S) subscriber.
// Nothing in it is trusted until Verifier.Verify accepts it.
type Envelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Token            string `json:"Token,omitempty"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
}

// DecodeEnvelope reads one SNS delivery from r.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(io.LimitReader(r, maxEnvelopeBytes)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode sns envelope: %v: %w", err, domain.ErrValidation)
	}
	if env.Type == "" || env.TopicArn == "" {
		return nil, fmt.Errorf("sns envelope missing Type or TopicArn: %w", domain.ErrValidation)
	}
	return &env, nil
}

// DecodeMessage parses the backplane payload of a Notification.
func DecodeMessage(body string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("decode backplane message: %v: %w", err, domain.ErrValidation)
	}
	if m.Origin == "" || m.JTI == "" {
		return nil, fmt.Errorf("backplane message missing origin or jti: %w", domain.ErrValidation)
	}
	return &m, nil
}
