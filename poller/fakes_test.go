package poller

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/herald/notify"
	"github.com/onnwee/herald/telemetry"
	"github.com/onnwee/herald/tiktok"
	"github.com/onnwee/herald/twitchapi"
	"github.com/onnwee/herald/youtubeapi"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu     sync.Mutex
	subs   map[int64]notify.Subscription
	writes int
}

func newFakeStore(subs ...notify.Subscription) *fakeStore {
	s := &fakeStore{subs: map[int64]notify.Subscription{}}
	for _, sub := range subs {
		s.subs[sub.ID] = sub
	}
	return s
}

func (s *fakeStore) ListSubscriptions(_ context.Context, provider notify.Provider) ([]notify.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Subscription
	for _, sub := range s.subs {
		if sub.Provider == provider {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) UpsertSubscription(_ context.Context, sub *notify.Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.subs[sub.ID]
	s.subs[sub.ID] = *sub
	s.writes++
	return !exists, nil
}

func (s *fakeStore) get(id int64) notify.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id]
}

type sentMessage struct {
	ChannelID string
	Msg       *notify.Message
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	// fail returns an error for these channels; unconfirmed returns a nil receipt.
	fail        map[string]bool
	unconfirmed bool
}

func (t *fakeTransport) Send(_ context.Context, channelID string, msg *notify.Message) (*notify.Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail[channelID] {
		return nil, errors.New("transport down")
	}
	if t.unconfirmed {
		return nil, nil
	}
	t.sent = append(t.sent, sentMessage{ChannelID: channelID, Msg: msg})
	return &notify.Receipt{ID: "msg" + strconv.Itoa(len(t.sent))}, nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type fakeTokens struct {
	err   error
	calls int
}

func (f *fakeTokens) Token(context.Context, bool) (string, error) {
	f.calls++
	return "tok", f.err
}

type fakeHelix struct {
	users     []twitchapi.User
	streams   []twitchapi.Stream
	games     []twitchapi.Game
	usersErr  error
	streamErr error
	calls     int
}

func (f *fakeHelix) GetUsers(_ context.Context, logins []string) ([]twitchapi.User, error) {
	f.calls++
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	want := map[string]bool{}
	for _, l := range logins {
		want[l] = true
	}
	var out []twitchapi.User
	for _, u := range f.users {
		if want[u.Login] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeHelix) GetStreams(_ context.Context, ids []string) ([]twitchapi.Stream, error) {
	f.calls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []twitchapi.Stream
	for _, s := range f.streams {
		if want[s.UserID] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeHelix) GetGames(context.Context, []string) ([]twitchapi.Game, error) {
	f.calls++
	return f.games, nil
}

type fakeFeed struct {
	items map[string][]youtubeapi.Video
	err   error
}

func (f *fakeFeed) Latest(_ context.Context, channelID string) ([]youtubeapi.Video, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items[channelID], nil
}

type fakeEnricher struct {
	calls [][]string
}

func (f *fakeEnricher) Enrich(_ context.Context, ids []string) (map[string]youtubeapi.Details, error) {
	f.calls = append(f.calls, append([]string(nil), ids...))
	out := map[string]youtubeapi.Details{}
	for _, id := range ids {
		views := uint64(100)
		out[id] = youtubeapi.Details{Duration: 90 * time.Second, Views: &views}
	}
	return out, nil
}

type fakeTikTok struct {
	rooms       map[string]*tiktok.Room
	probeCalls  int
	unavailable bool
}

func (f *fakeTikTok) Probe(_ context.Context, user string) (string, bool, error) {
	f.probeCalls++
	if f.unavailable {
		return "", false, notify.ErrProviderUnavailable
	}
	r, ok := f.rooms[user]
	if !ok {
		return "", false, nil
	}
	return r.ID, true, nil
}

func (f *fakeTikTok) Connect(_ context.Context, user string) (*tiktok.Room, error) {
	if f.unavailable {
		return nil, notify.ErrProviderUnavailable
	}
	if r, ok := f.rooms[user]; ok {
		return r, nil
	}
	return nil, tiktok.ErrNotLive
}

func newDeps(store *fakeStore, ledger notify.Ledger, tr notify.Transport) Deps {
	return Deps{
		Subs:      store,
		Ledger:    ledger,
		Transport: tr,
		Now:       func() time.Time { return testNow },
		Location:  time.UTC,
	}
}

func ctxHasCorrelation(ctx context.Context) bool {
	return telemetry.GetCorrelation(ctx) != ""
}
