package youtubeapi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/herald/notify"
)

// videos.list accepts at most 50 ids per call.
const maxEnrichBatch = 50

// Details are optional per-video facts from the Data API.
type Details struct {
	Duration time.Duration
	Views    *uint64
}

// Enricher looks up durations and view counts with an API key.
type Enricher struct {
	svc *yt.Service
}

// NewEnricher creates a Data API client authenticated by apiKey. Extra options
// (e.g. option.WithEndpoint) are appended.
func NewEnricher(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Enricher, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("youtube api key empty")
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Enricher{svc: svc}, nil
}

// Enrich fetches details for ids in as few calls as possible. Ids the API does
// not return are absent from the map.
func (e *Enricher) Enrich(ctx context.Context, ids []string) (map[string]Details, error) {
	out := make(map[string]Details, len(ids))
	for start := 0; start < len(ids); start += maxEnrichBatch {
		end := min(start+maxEnrichBatch, len(ids))
		resp, err := e.svc.Videos.List([]string{"contentDetails", "statistics"}).
			Id(ids[start:end]...).
			Context(ctx).
			Do()
		if err != nil {
			return out, fmt.Errorf("%w: youtube videos.list: %w", notify.ErrProviderUnavailable, err)
		}
		for _, v := range resp.Items {
			if v == nil || v.Id == "" {
				continue
			}
			var d Details
			if v.ContentDetails != nil {
				d.Duration = ParseISODuration(v.ContentDetails.Duration)
			}
			if v.Statistics != nil {
				views := v.Statistics.ViewCount
				d.Views = &views
			}
			out[v.Id] = d
		}
	}
	return out, nil
}

// ParseISODuration parses the ISO-8601 durations the Data API returns
// (e.g. PT1H2M3S, P1DT2H). Unknown designators are ignored.
func ParseISODuration(s string) time.Duration {
	var total time.Duration
	n := 0
	digits := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
			digits = true
			continue
		}
		if !digits {
			continue
		}
		switch r {
		case 'D':
			total += time.Duration(n) * 24 * time.Hour
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		}
		n, digits = 0, false
	}
	return total
}

// FormatDuration renders d as H:MM:SS or M:SS.
func FormatDuration(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
