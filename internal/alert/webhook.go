package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSender POSTs {"title": ..., "message": ...} to a fixed URL,
// matching send_webhook_message's webhook path.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender builds a sender with a bounded request timeout.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookSender) Send(ctx context.Context, a Alert) error {
	if w.URL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"title": a.Title, "message": a.Message})
	if err != nil {
		return fmt.Errorf("alert: marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
