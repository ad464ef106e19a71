package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer serves the token endpoint and the Helix lookups used by the
// Twitch poller. Helix handlers filter their fixtures by the request's query values.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	users    []map[string]any
	streams  []map[string]any
	games    []map[string]any
	token    string
	expires  int
	Requests map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server. Helix lives under
// /helix and the token endpoint at /oauth2/token.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{token: "mock-app-token", expires: 3600, Requests: map[string]int{}}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the base URL for twitchapi.HelixClient.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// TokenURL is the token endpoint for twitchapi.ClientCredentialsFetcher.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// Count returns how many requests hit path.
func (m *MockTwitchServer) Count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Requests[path]
}

// MockUser adds a user fixture.
func (m *MockTwitchServer) MockUser(id, login, displayName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, map[string]any{"id": id, "login": login, "display_name": displayName})
}

// MockStream adds a live stream fixture for userID.
func (m *MockTwitchServer) MockStream(streamID, userID, login, title, gameID string, viewers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, map[string]any{
		"id": streamID, "user_id": userID, "user_login": login, "title": title,
		"game_id": gameID, "type": "live", "viewer_count": viewers,
		"started_at": "2025-01-01T10:00:00Z", "thumbnail_url": "https://static/" + login + "-{width}x{height}.jpg",
	})
}

// ClearStreams takes every stream offline.
func (m *MockTwitchServer) ClearStreams() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = nil
}

// MockGame adds a game fixture.
func (m *MockTwitchServer) MockGame(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games = append(m.games, map[string]any{"id": id, "name": name})
}

// MockOAuthTokenResponse sets the token endpoint response.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.expires = accessToken, expiresIn
}

func (m *MockTwitchServer) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests[r.URL.Path]++

	var resp any
	switch r.URL.Path {
	case "/oauth2/token":
		resp = map[string]any{"access_token": m.token, "expires_in": m.expires, "token_type": "bearer"}
	case "/helix/users":
		resp = map[string]any{"data": filter(m.users, "login", r.URL.Query()["login"])}
	case "/helix/streams":
		resp = map[string]any{"data": filter(m.streams, "user_id", r.URL.Query()["user_id"])}
	case "/helix/games":
		resp = map[string]any{"data": filter(m.games, "id", r.URL.Query()["id"])}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck // test mock response
}

func filter(rows []map[string]any, field string, values []string) []map[string]any {
	want := make(map[string]bool, len(values))
	for _, v := range values {
		want[v] = true
	}
	out := []map[string]any{}
	for _, row := range rows {
		if s, _ := row[field].(string); want[s] {
			out = append(out, row)
		}
	}
	return out
}
