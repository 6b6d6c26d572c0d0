package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// DiscordSink posts alerts through a Discord channel webhook.
type DiscordSink struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
}

// NewDiscordSink parses a webhook URL of the form
// https://discord.com/api/webhooks/<id>/<token>.
func NewDiscordSink(webhookURL, username string) (*DiscordSink, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution is authorized by the token in the path, not a bot token.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if username == "" {
		username = "conductor"
	}
	return &DiscordSink{session: session, id: id, token: token, username: username}, nil
}

func (s *DiscordSink) Name() string { return "discord" }

// Send executes the webhook with the formatted alert.
func (s *DiscordSink) Send(ctx context.Context, alert *Alert) error {
	params := &discordgo.WebhookParams{
		Content:  fmt.Sprintf("**[%s] %s**\n%s", alert.Type, alert.Title, alert.Content),
		Username: s.username,
	}
	if _, err := s.session.WebhookExecute(s.id, s.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord webhook execute: %w", err)
	}
	return nil
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url %q: expected .../webhooks/<id>/<token>", raw)
}
