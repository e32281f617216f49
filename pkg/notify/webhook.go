package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookChannel posts alerts as JSON to a generic HTTP endpoint, serving
// as the fallback delivery path when Slack is not configured or as an
// additional integration.
type WebhookChannel struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookChannel creates a WebhookChannel posting to url. An empty url
// disables the channel.
func NewWebhookChannel(url string, logger *slog.Logger) *WebhookChannel {
	return &WebhookChannel{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

func (c *WebhookChannel) IsEnabled() bool { return c.url != "" }

func (c *WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	Kind    string        `json:"kind"`
	Breaker *BreakerAlert `json:"breaker,omitempty"`
	Digest  *DigestAlert  `json:"digest,omitempty"`
}

func (c *WebhookChannel) post(ctx context.Context, payload webhookPayload) error {
	if !c.IsEnabled() {
		c.logger.Debug("webhook channel disabled, skipping post", "kind", payload.Kind)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) PostBreakerAlert(ctx context.Context, alert BreakerAlert) error {
	return c.post(ctx, webhookPayload{Kind: "breaker_alert", Breaker: &alert})
}

func (c *WebhookChannel) PostDigest(ctx context.Context, digest DigestAlert) error {
	return c.post(ctx, webhookPayload{Kind: "digest", Digest: &digest})
}
