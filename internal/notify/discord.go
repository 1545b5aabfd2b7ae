package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts alerts as embeds to one channel.
type DiscordNotifier struct {
	session   session
	channelID string
}

// NewDiscord opens a Discord session with the bot token and targets the
// given channel.
func NewDiscord(botToken, channelID string) (*DiscordNotifier, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("notify: discord connect: %w", err)
	}
	return &DiscordNotifier{session: s, channelID: channelID}, nil
}

// Send posts ev as an embed.
func (n *DiscordNotifier) Send(ctx context.Context, ev Event) error {
	fields := make([]*discordgo.MessageEmbedField, 0, len(ev.Fields))
	for _, key := range sortedKeys(ev.Fields) {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   key,
			Value:  ev.Fields[key],
			Inline: true,
		})
	}
	embed := &discordgo.MessageEmbed{
		Title:       ev.Title,
		Description: ev.Body,
		Color:       embedColor(ev.Severity),
		Fields:      fields,
	}
	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

// Close shuts down the gateway connection.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}

// embedColor converts the severity color hint to Discord's integer form.
func embedColor(severity string) int {
	hex := severityColor(severity)
	v, err := strconv.ParseInt(hex[1:], 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}
