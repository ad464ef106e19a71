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
	"github.com/onnwee/herald/tiktok"
)

const (
	tiktokDefaultTemplate = "🎵 **{user}** is now live on TikTok!\n{url}"
	tiktokColor           = 0x010101
)

// TikTokAPI is the connect-probe surface of tiktok.Client.
type TikTokAPI interface {
	Probe(ctx context.Context, user string) (roomID string, live bool, err error)
	Connect(ctx context.Context, user string) (*tiktok.Room, error)
}

// TikTok polls TikTok users by connecting to their live room.
type TikTok struct {
	Deps
	Client TikTokAPI
	// ProbeOnly skips the handshake and room details; only liveness is known.
	ProbeOnly bool
}

// Run performs one poll over all TikTok subscriptions, one connect attempt each.
func (t *TikTok) Run(ctx context.Context) (res Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "poller", "poll.tiktok", attribute.Bool("probe_only", t.ProbeOnly))
	defer func() {
		span.SetAttributes(attribute.Int("processed", res.Processed), attribute.Int("errors", res.Errors))
		telemetry.EndSpan(span, err)
	}()

	subs, err := t.Subs.ListSubscriptions(ctx, notify.ProviderTikTok)
	if err != nil {
		return Result{}, fmt.Errorf("list tiktok subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return Result{}, nil
	}
	return t.eachSubscription(ctx, notify.ProviderTikTok, subs, t.poll), nil
}

func (t *TikTok) poll(ctx context.Context, sub *notify.Subscription) error {
	room, err := t.check(ctx, sub.Handle)
	switch {
	case errors.Is(err, tiktok.ErrNotLive):
		t.log().Debug("tiktok user not live", slog.String("handle", sub.Handle), slog.Any("err", err))
		room = nil
	case errors.Is(err, notify.ErrProviderUnavailable):
		t.log().Debug("tiktok room lookup unavailable", slog.String("handle", sub.Handle), slog.Any("err", err))
		return errSkip
	case err != nil:
		return err
	}

	live := room != nil
	switch {
	case live && !sub.IsLive:
		eventID := t.eventID(sub.Handle, room)
		sent, err := t.announce(ctx, sub, eventID, func() *notify.Message {
			return TikTokMessage(sub, room)
		})
		if err != nil && !sent {
			return err
		}
		sub.IsLive = true
		sub.LastEventID = eventID
		return err
	case !live && sub.IsLive:
		sub.IsLive = false
	}
	return nil
}

// check returns the live room, or ErrNotLive. In probe mode the room carries no details.
func (t *TikTok) check(ctx context.Context, user string) (*tiktok.Room, error) {
	if !t.ProbeOnly {
		return t.Client.Connect(ctx, user)
	}
	id, live, err := t.Client.Probe(ctx, user)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, tiktok.ErrNotLive
	}
	return &tiktok.Room{ID: id, Live: true}, nil
}

// eventID is the room id, or a per-minute synthetic id when the room id is unknown.
func (t *TikTok) eventID(handle string, room *tiktok.Room) string {
	if room != nil && room.ID != "" {
		return room.ID
	}
	return strings.TrimPrefix(handle, "@") + "-" + strconv.FormatInt(t.now().Unix()/60, 10)
}

// TikTokSnapshot normalizes a live room.
func TikTokSnapshot(handle string, room *tiktok.Room) notify.Snapshot {
	user := strings.TrimPrefix(handle, "@")
	snap := notify.Snapshot{
		IsLive:        true,
		ID:            room.ID,
		Title:         room.Title,
		ViewerCount:   room.Viewers,
		ThumbnailURL:  room.CoverURL,
		URL:           tiktok.LiveURL(user),
		Author:        room.Nickname,
		AuthorIconURL: room.AvatarURL,
	}
	if snap.Author == "" {
		snap.Author = user
	}
	return snap
}

// TikTokMessage builds the go-live announcement.
func TikTokMessage(sub *notify.Subscription, room *tiktok.Room) *notify.Message {
	snap := TikTokSnapshot(sub.Handle, room)
	tokens := map[string]string{
		"user":  snap.Author,
		"title": snap.Title,
		"url":   snap.URL,
	}
	embed := notify.Embed{
		Title:    snap.Title,
		URL:      snap.URL,
		Color:    tiktokColor,
		Author:   &notify.EmbedAuthor{Name: snap.Author, URL: snap.URL, IconURL: snap.AuthorIconURL},
		ImageURL: snap.ThumbnailURL,
	}
	if embed.Title == "" {
		embed.Title = snap.Author + " is live"
	}
	if snap.ViewerCount != nil {
		tokens["viewers"] = strconv.Itoa(*snap.ViewerCount)
		embed.Fields = append(embed.Fields, notify.EmbedField{Name: "Viewers", Value: strconv.Itoa(*snap.ViewerCount), Inline: true})
	}
	return &notify.Message{
		Content: notify.Compose(sub.CustomMessage, tiktokDefaultTemplate, tokens),
		Embeds:  []notify.Embed{embed},
	}
}
