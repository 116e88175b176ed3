// Package alert implements the webhook and Telegram notification
// side-channel a strategy's alert() calls fan out through, matching
// the original's send_webhook_message dual path.
package alert

import "context"

// Alert is one strategy-triggered notification.
type Alert struct {
	Title   string
	Message string
}

// Sender is the narrow interface both delivery mechanisms implement.
// Failures are logged by the caller and never affect the bar pipeline,
// matching the spec's "webhook/telegram failures are logged and do not
// affect the bar pipeline" rule.
type Sender interface {
	Send(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every configured sender, collecting (but
// not stopping on) individual failures.
type Multi []Sender

func (m Multi) Send(ctx context.Context, a Alert) error {
	var firstErr error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
