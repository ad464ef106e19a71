// Package tiktok determines whether a TikTok user is live. A full check looks up
// the user's room and then opens the webcast websocket for it: a successful
// handshake means the room is broadcasting. Probe mode stops after the room
// lookup and reports only liveness.
package tiktok

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/herald/notify"
)

const (
	roomInfoURL = "https://www.tiktok.com/api-live/user/room/"
	webcastURL  = "wss://webcast.tiktok.com/webcast/im/ws_proxy/ws_reuse_supplement/"

	// statusLive is the room status TikTok reports for an active broadcast.
	statusLive = 2

	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// ErrNotLive is the expected outcome for offline users and failed handshakes.
var ErrNotLive = errors.New("tiktok: not live")

// Room describes a live room. Optional fields are empty/nil when TikTok omits them.
type Room struct {
	ID        string
	Live      bool
	Title     string
	CoverURL  string
	Viewers   *int
	Nickname  string
	AvatarURL string
}

// Client talks to the TikTok room lookup and webcast endpoints.
type Client struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// RoomInfoURL and WebcastURL default to the public endpoints.
	RoomInfoURL string
	WebcastURL  string
	UserAgent   string
	// HandshakeTimeout bounds the websocket dial; defaults to 10s.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func (c *Client) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default().With(slog.String("component", "tiktok"))
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}

// Probe reports liveness and the room id from the room lookup alone. roomID is
// empty when the lookup did not carry one.
func (c *Client) Probe(ctx context.Context, user string) (roomID string, live bool, err error) {
	room, err := c.RoomInfo(ctx, user)
	if err != nil {
		return "", false, err
	}
	return room.ID, room.Live, nil
}

// Connect looks up the user's room and performs the webcast handshake. Offline
// users and refused handshakes return ErrNotLive.
func (c *Client) Connect(ctx context.Context, user string) (*Room, error) {
	room, err := c.RoomInfo(ctx, user)
	if err != nil {
		return nil, err
	}
	if !room.Live || room.ID == "" {
		return nil, ErrNotLive
	}
	if err := c.handshake(ctx, room.ID); err != nil {
		c.log().Debug("webcast handshake failed", slog.String("user", user), slog.String("room_id", room.ID), slog.Any("err", err))
		return nil, fmt.Errorf("%w: %w", ErrNotLive, err)
	}
	return room, nil
}

type roomInfoResponse struct {
	StatusCode int `json:"statusCode"`
	Data       struct {
		User struct {
			RoomID      string `json:"roomId"`
			UniqueID    string `json:"uniqueId"`
			Nickname    string `json:"nickname"`
			AvatarThumb string `json:"avatarThumb"`
			Status      int    `json:"status"`
		} `json:"user"`
		LiveRoom *struct {
			Title         string `json:"title"`
			CoverURL      string `json:"coverUrl"`
			Status        int    `json:"status"`
			LiveRoomStats *struct {
				UserCount *int `json:"userCount"`
			} `json:"liveRoomStats"`
		} `json:"liveRoom"`
	} `json:"data"`
}

// RoomInfo fetches and normalizes the user's room. Non-ok responses wrap
// notify.ErrProviderUnavailable.
func (c *Client) RoomInfo(ctx context.Context, user string) (*Room, error) {
	user = strings.TrimPrefix(strings.TrimSpace(user), "@")
	if user == "" {
		return nil, fmt.Errorf("tiktok user empty")
	}
	base := c.RoomInfoURL
	if base == "" {
		base = roomInfoURL
	}
	q := url.Values{"uniqueId": {user}, "sourceType": {"54"}, "aid": {"1988"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent())
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: tiktok room %s: %w", notify.ErrProviderUnavailable, user, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: tiktok room %s: %s", notify.ErrProviderUnavailable, user, resp.Status)
	}
	var body roomInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: tiktok room %s: decode: %w", notify.ErrProviderUnavailable, user, err)
	}
	return normalizeRoom(&body), nil
}

func normalizeRoom(body *roomInfoResponse) *Room {
	u := body.Data.User
	room := &Room{
		ID:        u.RoomID,
		Nickname:  u.Nickname,
		AvatarURL: u.AvatarThumb,
		Live:      u.Status == statusLive,
	}
	if lr := body.Data.LiveRoom; lr != nil {
		room.Title = lr.Title
		room.CoverURL = lr.CoverURL
		if lr.Status != 0 {
			room.Live = lr.Status == statusLive
		}
		if lr.LiveRoomStats != nil && lr.LiveRoomStats.UserCount != nil {
			n := *lr.LiveRoomStats.UserCount
			room.Viewers = &n
		}
	}
	return room
}

func (c *Client) handshake(ctx context.Context, roomID string) error {
	base := c.WebcastURL
	if base == "" {
		base = webcastURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("room_id", roomID)
	q.Set("aid", "1988")
	u.RawQuery = q.Encode()

	timeout := c.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	headers := http.Header{"User-Agent": {c.userAgent()}}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("webcast dial: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("webcast dial: %w", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

// LiveURL is the canonical link to a user's live page.
func LiveURL(user string) string {
	return "https://www.tiktok.com/@" + strings.TrimPrefix(user, "@") + "/live"
}
