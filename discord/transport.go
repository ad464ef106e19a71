// Package discord delivers announcements to Discord channels with a bot token.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/herald/notify"
)

// Transport implements notify.Transport over the Discord REST API.
type Transport struct {
	session *discordgo.Session
}

// New creates a REST-only session; no gateway connection is opened.
func New(botToken string) (*Transport, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord bot token empty")
	}
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Transport{session: s}, nil
}

// NewWithSession wraps an existing session, e.g. one pointed at a test server.
func NewWithSession(s *discordgo.Session) *Transport {
	return &Transport{session: s}
}

// Send posts msg to channelID. The returned receipt carries the Discord message id.
func (t *Transport) Send(ctx context.Context, channelID string, msg *notify.Message) (*notify.Receipt, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel id empty")
	}
	m, err := t.session.ChannelMessageSendComplex(channelID, ToMessageSend(msg), discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord send %s: %w", channelID, err)
	}
	if m == nil {
		return nil, nil
	}
	return &notify.Receipt{ID: m.ID}, nil
}

// Discord rejects messages whose content exceeds this many characters.
const maxContent = 2000

// ToMessageSend converts a provider-neutral message to Discord's wire shape.
// Text is cut to Discord's limits so an oversized template cannot fail every send.
func ToMessageSend(msg *notify.Message) *discordgo.MessageSend {
	out := &discordgo.MessageSend{Content: truncate(msg.Content, maxContent)}
	for _, e := range msg.Embeds {
		out.Embeds = append(out.Embeds, toEmbed(e))
	}
	return out
}

func toEmbed(e notify.Embed) *discordgo.MessageEmbed {
	me := &discordgo.MessageEmbed{
		Title:       truncate(e.Title, 256),
		URL:         e.URL,
		Description: truncate(e.Description, 4096),
		Color:       e.Color,
	}
	if e.Timestamp != nil {
		me.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	if e.Author != nil {
		me.Author = &discordgo.MessageEmbedAuthor{Name: truncate(e.Author.Name, 256), URL: e.Author.URL, IconURL: e.Author.IconURL}
	}
	if e.ImageURL != "" {
		me.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
	}
	if e.ThumbnailURL != "" {
		me.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
	}
	for _, f := range e.Fields {
		me.Fields = append(me.Fields, &discordgo.MessageEmbedField{Name: truncate(f.Name, 256), Value: truncate(f.Value, 1024), Inline: f.Inline})
	}
	return me
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
