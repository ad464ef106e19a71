// Package youtubeapi watches YouTube channels for new uploads. Channel feeds are
// read from the public Atom endpoint (no quota); the Data API is only used for
// optional enrichment of newly detected videos (duration, view count).
package youtubeapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/onnwee/herald/notify"
)

const feedBaseURL = "https://www.youtube.com/feeds/videos.xml"

// Video is one feed entry, newest first as returned by the feed.
type Video struct {
	ID           string
	Title        string
	URL          string
	ChannelName  string
	ChannelURL   string
	ThumbnailURL string
	PublishedAt  *time.Time
}

// FeedClient fetches channel upload feeds.
type FeedClient struct {
	HTTPClient *http.Client
	BaseURL    string // defaults to the public feed endpoint
	UserAgent  string
}

// Latest returns the channel's recent uploads, newest first. Non-ok responses and
// unparsable bodies wrap notify.ErrProviderUnavailable.
func (c *FeedClient) Latest(ctx context.Context, channelID string) ([]Video, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel id empty")
	}
	base := c.BaseURL
	if base == "" {
		base = feedBaseURL
	}
	u := base + "?" + url.Values{"channel_id": {channelID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: youtube feed %s: %w", notify.ErrProviderUnavailable, channelID, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: youtube feed %s: %s", notify.ErrProviderUnavailable, channelID, resp.Status)
	}
	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: youtube feed %s: parse: %w", notify.ErrProviderUnavailable, channelID, err)
	}
	return FromFeed(feed), nil
}

// FromFeed normalizes parsed feed items. Items without a resolvable video id are dropped.
func FromFeed(feed *gofeed.Feed) []Video {
	if feed == nil {
		return nil
	}
	channelName := feed.Title
	channelURL := feed.Link
	if len(feed.Authors) > 0 && feed.Authors[0] != nil {
		channelName = feed.Authors[0].Name
	}
	out := make([]Video, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		id := extValue(it.Extensions, "yt", "videoId")
		if id == "" {
			id = strings.TrimPrefix(it.GUID, "yt:video:")
		}
		if id == "" {
			continue
		}
		v := Video{
			ID:          id,
			Title:       it.Title,
			URL:         it.Link,
			ChannelName: channelName,
			ChannelURL:  channelURL,
			PublishedAt: it.PublishedParsed,
		}
		if v.URL == "" {
			v.URL = WatchURL(id)
		}
		if len(it.Authors) > 0 && it.Authors[0] != nil && it.Authors[0].Name != "" {
			v.ChannelName = it.Authors[0].Name
		}
		v.ThumbnailURL = mediaThumbnail(it.Extensions)
		if v.ThumbnailURL == "" && it.Image != nil {
			v.ThumbnailURL = it.Image.URL
		}
		if v.ThumbnailURL == "" {
			v.ThumbnailURL = "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg"
		}
		out = append(out, v)
	}
	return out
}

// WatchURL is the canonical link for a video id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// DetectNew returns the items newer than lastID, oldest first. Without a known
// lastID, or when lastID has rotated out of the feed, only the newest item counts
// as new so a channel's history is never backfilled.
func DetectNew(items []Video, lastID string) []Video {
	if len(items) == 0 {
		return nil
	}
	if lastID == "" {
		return items[:1]
	}
	idx := -1
	for i, v := range items {
		if v.ID == lastID {
			idx = i
			break
		}
	}
	switch idx {
	case 0:
		return nil
	case -1:
		return items[:1]
	}
	out := make([]Video, 0, idx)
	for i := idx - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	return out
}

func extValue(exts ext.Extensions, ns, name string) string {
	if exts == nil {
		return ""
	}
	vals := exts[ns][name]
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0].Value)
}

// mediaThumbnail reads media:group/media:thumbnail@url.
func mediaThumbnail(exts ext.Extensions) string {
	if exts == nil {
		return ""
	}
	for _, g := range exts["media"]["group"] {
		for _, th := range g.Children["thumbnail"] {
			if u := th.Attrs["url"]; u != "" {
				return u
			}
		}
	}
	for _, th := range exts["media"]["thumbnail"] {
		if u := th.Attrs["url"]; u != "" {
			return u
		}
	}
	return ""
}
