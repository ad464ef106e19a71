// Package notify holds the provider-neutral pieces of the announcement pipeline:
// the normalized snapshot of a polled item, the announcement payload handed to a
// Transport, the quiet-hours/cooldown policy, template rendering, and the dedup
// ledger contract shared by every poller.
package notify

import (
	"context"
	"errors"
	"time"
)

// Provider names one external creator platform. Values double as the provider
// column of the dedup ledger.
type Provider string

const (
	ProviderTwitch  Provider = "twitch"
	ProviderYouTube Provider = "youtube"
	ProviderTikTok  Provider = "tiktok"
)

// ErrProviderUnavailable marks a non-ok response from a provider call. Pollers
// treat it as "no data" for that call rather than failing the run.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Snapshot is the normalized view of one polled external item. Optional fields
// stay nil/empty when the provider omitted them.
type Snapshot struct {
	IsLive       bool
	ID           string
	Title        string
	StartedAt    *time.Time
	ViewerCount  *int
	ThumbnailURL string
	Category     string

	URL           string
	Author        string
	AuthorIconURL string
}

// Message is an announcement payload.
type Message struct {
	Content string
	Embeds  []Embed
}

type Embed struct {
	Title        string
	URL          string
	Description  string
	Color        int
	Timestamp    *time.Time
	Author       *EmbedAuthor
	ImageURL     string
	ThumbnailURL string
	Fields       []EmbedField
}

type EmbedAuthor struct {
	Name    string
	URL     string
	IconURL string
}

type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Receipt is returned by a Transport for a delivered message.
type Receipt struct {
	ID string
}

// Transport delivers a message to a chat channel. A nil receipt, or one without
// an ID, means delivery was not confirmed.
type Transport interface {
	Send(ctx context.Context, channelID string, msg *Message) (*Receipt, error)
}

// Delivered reports whether r confirms delivery.
func Delivered(r *Receipt) bool {
	return r != nil && r.ID != ""
}

// Record is one announced external event.
type Record struct {
	Provider  Provider
	EventID   string
	GuildID   string
	ChannelID string
}

// Ledger is the idempotency store keyed by (provider, guild id, event id), so every
// guild following a creator gets its own announcement of the same event. RecordIfNew
// must be safe under concurrent calls for the same key and report created=true at most once.
type Ledger interface {
	Has(ctx context.Context, provider Provider, guildID, eventID string) (bool, error)
	RecordIfNew(ctx context.Context, rec Record) (created bool, err error)
}

// Subscription is one guild channel following one provider handle. The CRUD
// surface owns every field except IsLive, LastEventID and LastNotifiedAt, which
// the pollers maintain.
type Subscription struct {
	ID        int64
	GuildID   string
	ChannelID string
	Provider  Provider
	// Handle is the provider-side name: Twitch login, YouTube channel id, TikTok user.
	Handle string

	CustomMessage   string
	QuietStart      string // HH:mm, empty disables
	QuietEnd        string
	CooldownMinutes int

	LastNotifiedAt *time.Time
	IsLive         bool
	// LastEventID is the last announced stream/room id, or the last seen video id.
	LastEventID string
}

// StateEqual reports whether the poller-maintained fields of s and o match.
func (s Subscription) StateEqual(o Subscription) bool {
	if s.IsLive != o.IsLive || s.LastEventID != o.LastEventID {
		return false
	}
	switch {
	case s.LastNotifiedAt == nil && o.LastNotifiedAt == nil:
		return true
	case s.LastNotifiedAt == nil || o.LastNotifiedAt == nil:
		return false
	default:
		return s.LastNotifiedAt.Equal(*o.LastNotifiedAt)
	}
}
