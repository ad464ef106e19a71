// Package twitchapi contains the Twitch pieces of the live notifier: the credential
// broker owning the shared app access token, and a Helix client that resolves
// logins, live streams and game names in batches of up to 100 per request.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/herald/notify"
)

const (
	helixBaseURL = "https://api.twitch.tv/helix"
	// Helix accepts at most 100 repeated query values per request.
	maxBatch = 100
)

// ErrUnauthorized is returned when Helix rejects the app token even after a forced refresh.
var ErrUnauthorized = errors.New("helix: unauthorized")

// TokenProvider supplies app access tokens; *Broker implements it.
type TokenProvider interface {
	Token(ctx context.Context, forceNew bool) (string, error)
}

type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

type Game struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BoxArtURL string `json:"box_art_url"`
}

// HelixClient provides the batched lookups needed for live detection.
type HelixClient struct {
	Tokens     TokenProvider
	ClientID   string
	HTTPClient *http.Client
	Limiter    *rate.Limiter // optional request pacing
	BaseURL    string        // defaults to the public Helix endpoint
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUsers resolves login names to users. Unknown logins are absent from the result.
func (hc *HelixClient) GetUsers(ctx context.Context, logins []string) ([]User, error) {
	return getAll[User](ctx, hc, "/users", "login", logins)
}

// GetStreams returns the live streams among the given user ids.
func (hc *HelixClient) GetStreams(ctx context.Context, userIDs []string) ([]Stream, error) {
	return getAll[Stream](ctx, hc, "/streams", "user_id", userIDs)
}

// GetGames resolves category ids to names.
func (hc *HelixClient) GetGames(ctx context.Context, ids []string) ([]Game, error) {
	return getAll[Game](ctx, hc, "/games", "id", ids)
}

func getAll[T any](ctx context.Context, hc *HelixClient, path, param string, values []string) ([]T, error) {
	values = uniqueNonEmpty(values)
	var out []T
	for start := 0; start < len(values); start += maxBatch {
		end := min(start+maxBatch, len(values))
		var body struct {
			Data []T `json:"data"`
		}
		if err := hc.get(ctx, path, param, values[start:end], &body); err != nil {
			return out, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// get performs one Helix GET. A 401 forces a new app token and is retried once.
func (hc *HelixClient) get(ctx context.Context, path, param string, values []string, out any) error {
	base := hc.BaseURL
	if base == "" {
		base = helixBaseURL
	}
	q := url.Values{}
	for _, v := range values {
		q.Add(param, v)
	}
	endpoint := base + path + "?" + q.Encode()

	for attempt := 0; attempt < 2; attempt++ {
		tok, err := hc.Tokens.Token(ctx, attempt > 0)
		if err != nil {
			return err
		}
		if hc.Limiter != nil {
			if err := hc.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return fmt.Errorf("%w: helix %s: %w", notify.ErrProviderUnavailable, path, err)
		}
		unauthorized, err := decodeHelix(resp, path, out)
		if !unauthorized {
			return err
		}
	}
	return ErrUnauthorized
}

func decodeHelix(resp *http.Response, path string, out any) (unauthorized bool, err error) {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, nil
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("%w: helix %s: %s: %s", notify.ErrProviderUnavailable, path, resp.Status, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("%w: helix %s: decode: %w", notify.ErrProviderUnavailable, path, err)
	}
	return false, nil
}

func uniqueNonEmpty(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
