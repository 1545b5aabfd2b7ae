package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"
)

func TestMultiFansOut(t *testing.T) {
	var a, b int
	multi := NewMulti(
		notifierFunc(func(ctx context.Context, ev Event) error { a++; return nil }),
		notifierFunc(func(ctx context.Context, ev Event) error { b++; return nil }),
	)
	if err := multi.Send(context.Background(), Event{Title: "t"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if a != 1 || b != 1 {
		t.Errorf("sink calls = %d, %d, want 1, 1", a, b)
	}
}

func TestMultiCollectsFailures(t *testing.T) {
	var ok int
	multi := NewMulti(
		notifierFunc(func(ctx context.Context, ev Event) error { return errors.New("down") }),
		notifierFunc(func(ctx context.Context, ev Event) error { ok++; return nil }),
	)
	err := multi.Send(context.Background(), Event{Title: "t"})
	if err == nil {
		t.Fatal("Send succeeded, want error from failing sink")
	}
	if ok != 1 {
		t.Error("healthy sink skipped after failing sink")
	}
}

func TestMultiEmptyIsNoop(t *testing.T) {
	if err := NewMulti().Send(context.Background(), Event{Title: "t"}); err != nil {
		t.Fatalf("Send on empty multi: %v", err)
	}
}

func TestSlackSendShapesMessage(t *testing.T) {
	var got *slackapi.WebhookMessage
	n := &SlackNotifier{
		url: "https://hooks.slack.invalid/x",
		post: func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error {
			got = msg
			return nil
		},
	}
	ev := Event{
		Title:    "drift detected",
		Body:     "instance vanished at provider",
		Severity: SeverityWarning,
		Fields:   map[string]string{"instance": "inst-1", "provider": "hcloud"},
	}
	if err := n.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Title != ev.Title || att.Text != ev.Body {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 2 || att.Fields[0].Title != "instance" {
		t.Errorf("fields = %+v, want sorted by key", att.Fields)
	}
	if att.Color != severityColor(SeverityWarning) {
		t.Errorf("color = %q", att.Color)
	}
}

type fakeSession struct {
	embeds []*discordgo.MessageEmbed
	closed bool
}

func (f *fakeSession) Open() error  { return nil }
func (f *fakeSession) Close() error { f.closed = true; return nil }
func (f *fakeSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.embeds = append(f.embeds, embed)
	return &discordgo.Message{}, nil
}

func TestDiscordSend(t *testing.T) {
	fake := &fakeSession{}
	n := &DiscordNotifier{session: fake, channelID: "chan-1"}
	ev := Event{Title: "orphan imported", Severity: SeverityInfo, Fields: map[string]string{"id": "srv-9"}}
	if err := n.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fake.embeds) != 1 {
		t.Fatalf("embeds sent = %d, want 1", len(fake.embeds))
	}
	if fake.embeds[0].Title != "orphan imported" {
		t.Errorf("embed title = %q", fake.embeds[0].Title)
	}
	if err := n.Close(); err != nil || !fake.closed {
		t.Error("Close did not reach session")
	}
}

func TestEmbedColor(t *testing.T) {
	if got := embedColor(SeverityError); got != 0xd00000 {
		t.Errorf("embedColor(error) = %#x, want 0xd00000", got)
	}
}

// notifierFunc adapts a function to the Notifier interface.
type notifierFunc func(ctx context.Context, ev Event) error

func (f notifierFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }
func (f notifierFunc) Close() error                             { return nil }
