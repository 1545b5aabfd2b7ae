package notify

import (
	"context"
	"fmt"
	"sort"

	slackapi "github.com/slack-go/slack"
)

// webhookPoster abstracts the Slack webhook call, enabling test mocks.
type webhookPoster func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error

// SlackNotifier posts alerts to an incoming webhook.
type SlackNotifier struct {
	url  string
	post webhookPoster
}

// NewSlack returns a notifier posting to the given webhook URL.
func NewSlack(url string) *SlackNotifier {
	return &SlackNotifier{url: url, post: slackapi.PostWebhookContext}
}

// Send posts ev as a single attachment message.
func (n *SlackNotifier) Send(ctx context.Context, ev Event) error {
	fields := make([]slackapi.AttachmentField, 0, len(ev.Fields))
	for _, key := range sortedKeys(ev.Fields) {
		fields = append(fields, slackapi.AttachmentField{
			Title: key,
			Value: ev.Fields[key],
			Short: true,
		})
	}
	msg := &slackapi.WebhookMessage{
		Attachments: []slackapi.Attachment{{
			Title:  ev.Title,
			Text:   ev.Body,
			Color:  severityColor(ev.Severity),
			Fields: fields,
		}},
	}
	if err := n.post(ctx, n.url, msg); err != nil {
		return fmt.Errorf("notify: slack webhook: %w", err)
	}
	return nil
}

// Close is a no-op; webhooks hold no connection.
func (n *SlackNotifier) Close() error { return nil }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
