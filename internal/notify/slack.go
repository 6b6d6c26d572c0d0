package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSink posts alerts to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	username   string
}

// NewSlackSink creates a sink for the given incoming webhook URL.
func NewSlackSink(webhookURL, username string) *SlackSink {
	if username == "" {
		username = "conductor"
	}
	return &SlackSink{webhookURL: webhookURL, username: username}
}

func (s *SlackSink) Name() string { return "slack" }

// Send posts the alert as a single formatted message.
func (s *SlackSink) Send(ctx context.Context, alert *Alert) error {
	msg := &slack.WebhookMessage{
		Username:  s.username,
		IconEmoji: ":robot_face:",
		Text:      fmt.Sprintf("*[%s] %s*\n%s", alert.Type, alert.Title, alert.Content),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
