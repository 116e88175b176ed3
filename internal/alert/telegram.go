package alert

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TelegramSender GETs the Bot API's sendMessage endpoint, matching
// send_webhook_message's Telegram path (a plain HTTP GET, not the
// Bot API SDK).
type TelegramSender struct {
	BotToken string
	ChatID   string
	Client   *http.Client
}

// NewTelegramSender builds a sender with a bounded request timeout.
func NewTelegramSender(botToken, chatID string) *TelegramSender {
	return &TelegramSender{BotToken: botToken, ChatID: chatID, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	if t.BotToken == "" || t.ChatID == "" {
		return nil
	}
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	q := url.Values{"chat_id": {t.ChatID}, "text": {a.Title + ": " + a.Message}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("alert: build telegram request: %w", err)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: send telegram message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
