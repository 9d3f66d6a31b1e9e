package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/keyverify-api/internal/config"
	"github.com/keyverify-api/internal/domain"
)

// Message is the backplane payload carried in an SNS notification.
// Origin identifies the publishing instance so it can skip its own echoes.
type Message struct {
	Origin string             `json:"origin"`
	JTI    string             `json:"jti"`
	Event  domain.StatusEvent `json:"event"`
}

// Backplane relays status events between instances through one SNS topic.
type Backplane struct {
	client   *sns.Client
	topicARN string
	origin   string
	verifier *Verifier
}

func NewBackplane(ctx context.Context, cfg *config.Config, origin string) (*Backplane, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.SNSRegion),
	}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}

	clientOpts := []func(*sns.Options){}
	if cfg.AWSEndpointURL != "" {
		clientOpts = append(clientOpts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		})
	}
	return &Backplane{
		client:   sns.NewFromConfig(awsCfg, clientOpts...),
		topicARN: cfg.SNSBackplaneTopicARN,
		origin:   origin,
		verifier: NewVerifier(cfg.AWSEndpointURL, nil),
	}, nil
}

func (b *Backplane) TopicARN() string { return b.topicARN }

func (b *Backplane) Origin() string { return b.origin }

// Authenticate rejects any delivery whose SNS signature does not verify.
func (b *Backplane) Authenticate(ctx context.Context, env *Envelope) error {
	return b.verifier.Verify(ctx, env)
}

// Publish sends ev for jti to every other instance subscribed to the topic.
func (b *Backplane) Publish(ctx context.Context, jti string, ev domain.StatusEvent) error {
	body, err := EncodeMessage(Message{Origin: b.origin, JTI: jti, Event: ev})
	if err != nil {
		return err
	}
	_, err = b.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(b.topicARN),
		Message:  aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// Confirm completes an HTTP subscription handshake through the SNS API rather
// than by following the SubscribeURL supplied in the request.
func (b *Backplane) Confirm(ctx context.Context, topicARN, token string) error {
	_, err := b.client.ConfirmSubscription(ctx, &sns.ConfirmSubscriptionInput{
		TopicArn: aws.String(topicARN),
		Token:    aws.String(token),
	})
	if err != nil {
		return fmt.Errorf("sns confirm subscription: %w", err)
	}
	return nil
}

func EncodeMessage(m Message) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode backplane message: %w", err)
	}
	return string(raw), nil
}
