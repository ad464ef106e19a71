package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/herald/notify"
	"github.com/onnwee/herald/telemetry"
	"github.com/onnwee/herald/twitchapi"
)

const (
	twitchDefaultTemplate = "🔴 **{streamer}** is now live on Twitch!\n{url}"
	twitchColor           = 0x9146FF
)

// HelixAPI is the batched lookup surface of twitchapi.HelixClient.
type HelixAPI interface {
	GetUsers(ctx context.Context, logins []string) ([]twitchapi.User, error)
	GetStreams(ctx context.Context, userIDs []string) ([]twitchapi.Stream, error)
	GetGames(ctx context.Context, ids []string) ([]twitchapi.Game, error)
}

// Twitch polls Helix for live streams.
type Twitch struct {
	Deps
	Helix  HelixAPI
	Tokens twitchapi.TokenProvider
}

// Run performs one poll over all Twitch subscriptions using three batched lookups:
// logins to users, users to live streams, live streams to game names.
func (t *Twitch) Run(ctx context.Context) (res Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "poller", "poll.twitch")
	defer func() {
		span.SetAttributes(attribute.Int("processed", res.Processed), attribute.Int("errors", res.Errors))
		telemetry.EndSpan(span, err)
	}()

	subs, err := t.Subs.ListSubscriptions(ctx, notify.ProviderTwitch)
	if err != nil {
		return Result{}, fmt.Errorf("list twitch subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return Result{}, nil
	}
	// Fail the run early when no credential can be obtained.
	if _, err := t.Tokens.Token(ctx, false); err != nil {
		return Result{}, fmt.Errorf("twitch token: %w", err)
	}

	logins := make([]string, 0, len(subs))
	for _, s := range subs {
		logins = append(logins, strings.ToLower(strings.TrimSpace(s.Handle)))
	}
	users, err := t.Helix.GetUsers(ctx, logins)
	if err != nil {
		if !errors.Is(err, notify.ErrProviderUnavailable) {
			return Result{}, fmt.Errorf("resolve twitch users: %w", err)
		}
		t.log().Warn("twitch user lookup unavailable", slog.Any("err", err))
		users = nil
	}
	usersByLogin := make(map[string]twitchapi.User, len(users))
	ids := make([]string, 0, len(users))
	for _, u := range users {
		usersByLogin[strings.ToLower(u.Login)] = u
		ids = append(ids, u.ID)
	}

	var streamsByUser map[string]twitchapi.Stream
	if len(ids) > 0 {
		streams, err := t.Helix.GetStreams(ctx, ids)
		if err != nil {
			if !errors.Is(err, notify.ErrProviderUnavailable) {
				return Result{}, fmt.Errorf("resolve twitch streams: %w", err)
			}
			// Without stream data every subscription is ambiguous.
			t.log().Warn("twitch stream lookup unavailable", slog.Any("err", err))
			usersByLogin = nil
		}
		streamsByUser = make(map[string]twitchapi.Stream, len(streams))
		for _, s := range streams {
			streamsByUser[s.UserID] = s
		}
		t.resolveGames(ctx, streamsByUser)
	}

	return t.eachSubscription(ctx, notify.ProviderTwitch, subs, func(ctx context.Context, sub *notify.Subscription) error {
		user, ok := usersByLogin[strings.ToLower(strings.TrimSpace(sub.Handle))]
		if !ok {
			return errSkip
		}
		stream, live := streamsByUser[user.ID]
		switch {
		case live && !sub.IsLive:
			sent, err := t.announce(ctx, sub, stream.ID, func() *notify.Message {
				return TwitchMessage(sub, user, stream)
			})
			if err != nil && !sent {
				return err
			}
			sub.IsLive = true
			sub.LastEventID = stream.ID
			return err
		case !live && sub.IsLive:
			sub.IsLive = false
		}
		return nil
	}), nil
}

// resolveGames fills GameName where Helix left it empty. Lookup failures only
// cost the game field.
func (t *Twitch) resolveGames(ctx context.Context, streams map[string]twitchapi.Stream) {
	var missing []string
	for _, s := range streams {
		if s.GameName == "" && s.GameID != "" {
			missing = append(missing, s.GameID)
		}
	}
	if len(missing) == 0 {
		return
	}
	games, err := t.Helix.GetGames(ctx, missing)
	if err != nil {
		t.log().Warn("twitch game lookup failed", slog.Any("err", err))
		return
	}
	names := make(map[string]string, len(games))
	for _, g := range games {
		names[g.ID] = g.Name
	}
	for k, s := range streams {
		if s.GameName == "" {
			s.GameName = names[s.GameID]
			streams[k] = s
		}
	}
}

// TwitchSnapshot normalizes a Helix stream.
func TwitchSnapshot(user twitchapi.User, stream twitchapi.Stream) notify.Snapshot {
	snap := notify.Snapshot{
		IsLive:        true,
		ID:            stream.ID,
		Title:         stream.Title,
		Category:      stream.GameName,
		URL:           "https://twitch.tv/" + user.Login,
		Author:        user.DisplayName,
		AuthorIconURL: user.ProfileImageURL,
	}
	if snap.Author == "" {
		snap.Author = user.Login
	}
	if !stream.StartedAt.IsZero() {
		started := stream.StartedAt
		snap.StartedAt = &started
	}
	viewers := stream.ViewerCount
	snap.ViewerCount = &viewers
	if stream.ThumbnailURL != "" {
		snap.ThumbnailURL = strings.NewReplacer("{width}", "1280", "{height}", "720").Replace(stream.ThumbnailURL)
	}
	return snap
}

// TwitchMessage builds the go-live announcement.
func TwitchMessage(sub *notify.Subscription, user twitchapi.User, stream twitchapi.Stream) *notify.Message {
	snap := TwitchSnapshot(user, stream)
	tokens := map[string]string{
		"streamer": snap.Author,
		"title":    snap.Title,
		"game":     snap.Category,
		"url":      snap.URL,
	}
	if snap.ViewerCount != nil {
		tokens["viewers"] = strconv.Itoa(*snap.ViewerCount)
	}
	embed := notify.Embed{
		Title:     snap.Title,
		URL:       snap.URL,
		Color:     twitchColor,
		Timestamp: snap.StartedAt,
		Author:    &notify.EmbedAuthor{Name: snap.Author, URL: snap.URL, IconURL: snap.AuthorIconURL},
		ImageURL:  snap.ThumbnailURL,
	}
	if embed.Title == "" {
		embed.Title = snap.Author + " is live"
	}
	if snap.Category != "" {
		embed.Fields = append(embed.Fields, notify.EmbedField{Name: "Game", Value: snap.Category, Inline: true})
	}
	if snap.ViewerCount != nil {
		embed.Fields = append(embed.Fields, notify.EmbedField{Name: "Viewers", Value: strconv.Itoa(*snap.ViewerCount), Inline: true})
	}
	return &notify.Message{
		Content: notify.Compose(sub.CustomMessage, twitchDefaultTemplate, tokens),
		Embeds:  []notify.Embed{embed},
	}
}
