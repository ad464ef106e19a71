package youtubeapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/herald/notify"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
 <link rel="self" href="http://www.youtube.com/feeds/videos.xml?channel_id=UC123"/>
 <id>yt:channel:UC123</id>
 <yt:channelId>UC123</yt:channelId>
 <title>Test Channel</title>
 <link rel="alternate" href="https://www.youtube.com/channel/UC123"/>
 <author>
  <name>Test Channel</name>
  <uri>https://www.youtube.com/channel/UC123</uri>
 </author>
 <published>2020-01-01T00:00:00+00:00</published>
 <entry>
  <id>yt:video:v3</id>
  <yt:videoId>v3</yt:videoId>
  <yt:channelId>UC123</yt:channelId>
  <title>Third upload</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=v3"/>
  <author><name>Test Channel</name></author>
  <published>2025-01-03T12:00:00+00:00</published>
  <media:group>
   <media:title>Third upload</media:title>
   <media:thumbnail url="https://i1.ytimg.com/vi/v3/hqdefault.jpg" width="480" height="360"/>
  </media:group>
 </entry>
 <entry>
  <id>yt:video:v2</id>
  <yt:videoId>v2</yt:videoId>
  <title>Second upload</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=v2"/>
  <published>2025-01-02T12:00:00+00:00</published>
 </entry>
 <entry>
  <id>yt:video:v1</id>
  <title>First upload</title>
  <published>2025-01-01T12:00:00+00:00</published>
 </entry>
</feed>`

func TestFeedClient_Latest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("channel_id"); got != "UC123" {
			t.Errorf("channel_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	c := &FeedClient{BaseURL: server.URL}
	videos, err := c.Latest(context.Background(), "UC123")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if len(videos) != 3 {
		t.Fatalf("len(videos) = %d, want 3", len(videos))
	}
	wantIDs := []string{"v3", "v2", "v1"}
	for i, id := range wantIDs {
		if videos[i].ID != id {
			t.Errorf("videos[%d].ID = %q, want %q", i, videos[i].ID, id)
		}
	}
	v := videos[0]
	if v.Title != "Third upload" || v.URL != "https://www.youtube.com/watch?v=v3" {
		t.Errorf("video = %+v", v)
	}
	if v.ChannelName != "Test Channel" {
		t.Errorf("ChannelName = %q", v.ChannelName)
	}
	if v.ThumbnailURL != "https://i1.ytimg.com/vi/v3/hqdefault.jpg" {
		t.Errorf("ThumbnailURL = %q", v.ThumbnailURL)
	}
	if v.PublishedAt == nil {
		t.Errorf("PublishedAt not parsed")
	}
	// v1 has no yt:videoId or link; id comes from the entry id.
	if videos[2].URL != WatchURL("v1") {
		t.Errorf("fallback URL = %q", videos[2].URL)
	}
	if videos[2].ThumbnailURL != "https://i.ytimg.com/vi/v1/hqdefault.jpg" {
		t.Errorf("fallback thumbnail = %q", videos[2].ThumbnailURL)
	}
}

func TestFeedClient_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }},
		{"not a feed", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>nope")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()
			_, err := (&FeedClient{BaseURL: server.URL}).Latest(context.Background(), "UC123")
			if !errors.Is(err, notify.ErrProviderUnavailable) {
				t.Errorf("Latest() error = %v, want ErrProviderUnavailable", err)
			}
		})
	}
}

func ids(vs []Video) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.ID
	}
	return out
}

func TestDetectNew(t *testing.T) {
	feed := []Video{{ID: "v3"}, {ID: "v2"}, {ID: "v1"}}
	tests := []struct {
		name   string
		items  []Video
		lastID string
		want   []string
	}{
		{"first observation takes newest only", feed, "", []string{"v3"}},
		{"nothing new", feed, "v3", nil},
		{"older seen id yields newer items oldest first", feed, "v1", []string{"v2", "v3"}},
		{"one new", feed, "v2", []string{"v3"}},
		{"rotated out falls back to newest", feed, "v0", []string{"v3"}},
		{"empty feed", nil, "v1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(DetectNew(tt.items, tt.lastID))
			if len(got) != len(tt.want) {
				t.Fatalf("DetectNew() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("DetectNew() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}
