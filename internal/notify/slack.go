package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts notifications to a single Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a notifier from a bot token (xoxb-...) and a
// channel id or name.
func NewSlackNotifier(botToken, channel string, logger *zap.Logger) (*SlackNotifier, error) {
	if botToken == "" || channel == "" {
		return nil, fmt.Errorf("slack notifier requires bot_token and channel")
	}
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}, nil
}

func (s *SlackNotifier) Platform() string { return "slack" }

func (s *SlackNotifier) Send(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
