package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/herald/notify"
	"github.com/onnwee/herald/telemetry"
	"github.com/onnwee/herald/youtubeapi"
)

const (
	youtubeDefaultTemplate = "📺 **{channel}** uploaded a new video: **{title}**\n{url}"
	youtubeColor           = 0xFF0000
)

// FeedAPI fetches a channel's uploads, newest first.
type FeedAPI interface {
	Latest(ctx context.Context, channelID string) ([]youtubeapi.Video, error)
}

// EnrichAPI looks up optional video details in one batched call.
type EnrichAPI interface {
	Enrich(ctx context.Context, ids []string) (map[string]youtubeapi.Details, error)
}

// YouTube polls channel feeds for new uploads.
type YouTube struct {
	Deps
	Feeds FeedAPI
	// Enricher is optional; nil disables duration/view lookups.
	Enricher EnrichAPI
}

// Run performs one poll over all YouTube subscriptions, one feed fetch each.
func (y *YouTube) Run(ctx context.Context) (res Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "poller", "poll.youtube")
	defer func() {
		span.SetAttributes(attribute.Int("processed", res.Processed), attribute.Int("errors", res.Errors))
		telemetry.EndSpan(span, err)
	}()

	subs, err := y.Subs.ListSubscriptions(ctx, notify.ProviderYouTube)
	if err != nil {
		return Result{}, fmt.Errorf("list youtube subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return Result{}, nil
	}
	return y.eachSubscription(ctx, notify.ProviderYouTube, subs, y.poll), nil
}

func (y *YouTube) poll(ctx context.Context, sub *notify.Subscription) error {
	items, err := y.Feeds.Latest(ctx, sub.Handle)
	if err != nil {
		if errors.Is(err, notify.ErrProviderUnavailable) {
			y.log().Debug("youtube feed unavailable", slog.String("handle", sub.Handle), slog.Any("err", err))
			return errSkip
		}
		return err
	}
	if len(items) == 0 {
		return errSkip
	}

	fresh := youtubeapi.DetectNew(items, sub.LastEventID)
	if len(fresh) == 0 {
		return nil
	}

	// Decide which items may be sent before paying for enrichment.
	admitted := make(map[string]bool, len(fresh))
	var enrichIDs []string
	for _, v := range fresh {
		ok, err := y.admit(ctx, sub, v.ID)
		if err != nil {
			return err
		}
		if ok {
			admitted[v.ID] = true
			enrichIDs = append(enrichIDs, v.ID)
		}
	}
	details := y.enrich(ctx, enrichIDs)

	for _, v := range fresh {
		if admitted[v.ID] {
			// Each send may start a cooldown for the items after it.
			if sup := y.suppression(sub); sup.Suppressed() {
				telemetry.CountSuppressed(string(notify.ProviderYouTube), sup.Reason())
			} else {
				sent, err := y.send(ctx, sub, v.ID, YouTubeMessage(sub, v, details[v.ID]))
				if err != nil {
					if sent {
						sub.LastEventID = v.ID
					}
					return err
				}
			}
		}
		sub.LastEventID = v.ID
	}
	return nil
}

func (y *YouTube) enrich(ctx context.Context, ids []string) map[string]youtubeapi.Details {
	if y.Enricher == nil || len(ids) == 0 {
		return nil
	}
	details, err := y.Enricher.Enrich(ctx, ids)
	if err != nil {
		y.log().Warn("youtube enrichment failed", slog.Int("videos", len(ids)), slog.Any("err", err))
	}
	return details
}

// YouTubeSnapshot normalizes a feed item.
func YouTubeSnapshot(v youtubeapi.Video, d youtubeapi.Details) notify.Snapshot {
	snap := notify.Snapshot{
		ID:           v.ID,
		Title:        v.Title,
		StartedAt:    v.PublishedAt,
		ThumbnailURL: v.ThumbnailURL,
		URL:          v.URL,
		Author:       v.ChannelName,
	}
	if snap.URL == "" {
		snap.URL = youtubeapi.WatchURL(v.ID)
	}
	if d.Views != nil && *d.Views <= uint64(^uint(0)>>1) {
		n := int(*d.Views)
		snap.ViewerCount = &n
	}
	return snap
}

// YouTubeMessage builds the new-upload announcement.
func YouTubeMessage(sub *notify.Subscription, v youtubeapi.Video, d youtubeapi.Details) *notify.Message {
	snap := YouTubeSnapshot(v, d)
	tokens := map[string]string{
		"channel": snap.Author,
		"title":   snap.Title,
		"url":     snap.URL,
	}
	embed := notify.Embed{
		Title:     snap.Title,
		URL:       snap.URL,
		Color:     youtubeColor,
		Timestamp: snap.StartedAt,
		ImageURL:  snap.ThumbnailURL,
	}
	if snap.Author != "" {
		embed.Author = &notify.EmbedAuthor{Name: snap.Author, URL: v.ChannelURL}
	}
	if d.Duration > 0 {
		embed.Fields = append(embed.Fields, notify.EmbedField{Name: "Duration", Value: youtubeapi.FormatDuration(d.Duration), Inline: true})
	}
	if snap.ViewerCount != nil {
		tokens["viewers"] = strconv.Itoa(*snap.ViewerCount)
		embed.Fields = append(embed.Fields, notify.EmbedField{Name: "Views", Value: strconv.Itoa(*snap.ViewerCount), Inline: true})
	}
	return &notify.Message{
		Content: notify.Compose(sub.CustomMessage, youtubeDefaultTemplate, tokens),
		Embeds:  []notify.Embed{embed},
	}
}
