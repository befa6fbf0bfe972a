package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	channel    string
}

func NewSlackSender(webhookURL, channel string) *SlackSender {
	return &SlackSender{webhookURL: webhookURL, channel: channel}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, note Notification) error {
	msg := &slack.WebhookMessage{
		Channel: s.channel,
		Text:    renderText(note),
		Attachments: []slack.Attachment{{
			Color: severityColor(note.Severity),
			Fields: []slack.AttachmentField{
				{Title: "Symbol", Value: note.Symbol, Short: true},
				{Title: "Kind", Value: note.Kind, Short: true},
				{Title: "Value", Value: note.Value.String(), Short: true},
				{Title: "Threshold", Value: note.Threshold.String(), Short: true},
			},
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

var _ Sender = (*SlackSender)(nil)
