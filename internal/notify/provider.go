package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Provider delivers a rendered notification over one channel.
type Provider interface {
	Deliver(ctx context.Context, recipient, subject, body string) error
}

// WebhookProvider posts rendered notifications to an external delivery
// provider's webhook endpoint (email or SMS gateway).
type WebhookProvider struct {
	client   *resty.Client
	endpoint string
	channel  Channel
	logger   *zap.Logger
}

// NewWebhookProvider creates a provider for one channel endpoint.
func NewWebhookProvider(endpoint, apiKey string, channel Channel, logger *zap.Logger) *WebhookProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}
	return &WebhookProvider{
		client:   client,
		endpoint: endpoint,
		channel:  channel,
		logger:   logger,
	}
}

type webhookPayload struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

// Deliver implements Provider. Any non-2xx response is an error; retries
// within the provider are bounded and the caller's circuit breaker decides
// when to stop trying at all.
func (p *WebhookProvider) Deliver(ctx context.Context, recipient, subject, body string) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{
			Channel:   string(p.channel),
			Recipient: recipient,
			Subject:   subject,
			Body:      body,
		}).
		Post(p.endpoint)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode(), resp.String())
	}

	p.logger.Debug("notification delivered",
		zap.String("channel", string(p.channel)),
		zap.Int("status", resp.StatusCode()))
	return nil
}
