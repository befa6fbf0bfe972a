package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender posts notifications as JSON to an outbound HTTP callback.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSender builds a webhook channel. When secret is set every request
// carries an X-Tradewatch-Signature HMAC-SHA256 header over the body.
func NewWebhookSender(url, secret string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{url: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Name() string { return "webhook" }

type webhookPayload struct {
	Notification
	Severity string `json:"severity"`
}

func (s *WebhookSender) Send(ctx context.Context, note Notification) error {
	body, err := json.Marshal(webhookPayload{Notification: note, Severity: note.Severity.String()})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		mac := hmac.New(sha256.New, []byte(s.secret))
		mac.Write(body)
		req.Header.Set("X-Tradewatch-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

var _ Sender = (*WebhookSender)(nil)
