package twitchapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/herald/crypto"
)

type fakeFetcher struct {
	calls   atomic.Int32
	fn      func(n int32) (*oauth2.Token, error)
	release chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context) (*oauth2.Token, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.fn(n)
}

type memCache struct {
	mu   sync.Mutex
	rows map[string]CachedToken
	puts int
}

func newMemCache() *memCache { return &memCache{rows: map[string]CachedToken{}} }

func (c *memCache) GetCachedToken(_ context.Context, key string) (*CachedToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (c *memCache) PutCachedToken(_ context.Context, key string, tok CachedToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[key] = tok
	c.puts++
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	return enc
}

func tokenAt(value string, expiry time.Time) func(int32) (*oauth2.Token, error) {
	return func(int32) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: value, Expiry: expiry}, nil
	}
}

func TestBroker_MemoryCache(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	f := &fakeFetcher{fn: tokenAt("tok-1", clk.now.Add(time.Hour))}
	b := &Broker{Fetcher: f, Now: clk.Now}

	for i := 0; i < 3; i++ {
		tok, err := b.Token(context.Background(), false)
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok != "tok-1" {
			t.Errorf("Token() = %q, want tok-1", tok)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestBroker_NearExpiryIsNeverServed(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	f := &fakeFetcher{fn: func(n int32) (*oauth2.Token, error) {
		if n == 1 {
			return &oauth2.Token{AccessToken: "short", Expiry: clk.Now().Add(20 * time.Second)}, nil
		}
		return &oauth2.Token{AccessToken: "fresh", Expiry: clk.Now().Add(time.Hour)}, nil
	}}
	cache := newMemCache()
	b := &Broker{Fetcher: f, Cache: cache, Now: clk.Now}

	if _, err := b.Token(context.Background(), false); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	// Memory and store both hold a token expiring in 20s: neither may be served.
	tok, err := b.Token(context.Background(), false)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "fresh" {
		t.Errorf("Token() = %q, want fresh", tok)
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestBroker_PersistedTier(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	enc := testEncryptor(t)
	sealed, err := crypto.SealString(enc, "stored-tok", CacheKey)
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}

	tests := []struct {
		name       string
		row        CachedToken
		enc        crypto.Encryptor
		want       string
		wantFetchs int32
	}{
		{"plaintext row", CachedToken{Value: "stored-tok", ExpiresAt: clk.now.Add(time.Hour)}, nil, "stored-tok", 0},
		{"encrypted row with key", CachedToken{Value: sealed, ExpiresAt: clk.now.Add(time.Hour), Encrypted: true}, enc, "stored-tok", 0},
		{"encrypted row without key is a miss", CachedToken{Value: sealed, ExpiresAt: clk.now.Add(time.Hour), Encrypted: true}, nil, "fetched", 1},
		{"undecryptable row is a miss", CachedToken{Value: "bm90LXNlYWxlZA==", ExpiresAt: clk.now.Add(time.Hour), Encrypted: true}, enc, "fetched", 1},
		{"expiring row is a miss", CachedToken{Value: "stored-tok", ExpiresAt: clk.now.Add(10 * time.Second)}, nil, "fetched", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newMemCache()
			cache.rows[CacheKey] = tt.row
			f := &fakeFetcher{fn: tokenAt("fetched", clk.now.Add(time.Hour))}
			b := &Broker{Fetcher: f, Cache: cache, Encryptor: tt.enc, Now: clk.Now}

			tok, err := b.Token(context.Background(), false)
			if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			if tok != tt.want {
				t.Errorf("Token() = %q, want %q", tok, tt.want)
			}
			if got := f.calls.Load(); got != tt.wantFetchs {
				t.Errorf("fetch calls = %d, want %d", got, tt.wantFetchs)
			}
			// Second call is served from memory either way.
			if _, err := b.Token(context.Background(), false); err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			if got := f.calls.Load(); got != tt.wantFetchs {
				t.Errorf("fetch calls after memory hit = %d, want %d", got, tt.wantFetchs)
			}
		})
	}
}

func TestBroker_PersistsEncrypted(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	enc := testEncryptor(t)
	cache := newMemCache()
	exp := clk.now.Add(time.Hour)
	b := &Broker{Fetcher: &fakeFetcher{fn: tokenAt("secret-tok", exp)}, Cache: cache, Encryptor: enc, Now: clk.Now}

	if _, err := b.Token(context.Background(), false); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	row := cache.rows[CacheKey]
	if !row.Encrypted || row.Value == "secret-tok" {
		t.Fatalf("stored row = %+v, want encrypted", row)
	}
	if !row.ExpiresAt.Equal(exp) {
		t.Errorf("stored expiry = %v, want %v", row.ExpiresAt, exp)
	}
	got, err := crypto.OpenString(enc, row.Value, CacheKey)
	if err != nil || got != "secret-tok" {
		t.Errorf("OpenString() = %q, %v", got, err)
	}

	plainCache := newMemCache()
	b2 := &Broker{Fetcher: &fakeFetcher{fn: tokenAt("plain-tok", exp)}, Cache: plainCache, Now: clk.Now}
	if _, err := b2.Token(context.Background(), false); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if row := plainCache.rows[CacheKey]; row.Encrypted || row.Value != "plain-tok" {
		t.Errorf("stored row = %+v, want plaintext", row)
	}
}

func TestBroker_ForceNewBypassesCaches(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	f := &fakeFetcher{fn: func(n int32) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: []string{"", "first", "second"}[n], Expiry: clk.Now().Add(time.Hour)}, nil
	}}
	b := &Broker{Fetcher: f, Now: clk.Now}

	if tok, _ := b.Token(context.Background(), false); tok != "first" {
		t.Fatalf("Token() = %q, want first", tok)
	}
	tok, err := b.Token(context.Background(), true)
	if err != nil {
		t.Fatalf("Token(force) error = %v", err)
	}
	if tok != "second" {
		t.Errorf("Token(force) = %q, want second", tok)
	}
	if tok, _ := b.Token(context.Background(), false); tok != "second" {
		t.Errorf("Token() after force = %q, want second", tok)
	}
}

func TestBroker_ConcurrentCallersShareOneFetch(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	f := &fakeFetcher{fn: tokenAt("shared", clk.now.Add(time.Hour)), release: make(chan struct{})}
	b := &Broker{Fetcher: f, Now: clk.Now}

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := b.Token(context.Background(), false)
			if err != nil {
				t.Errorf("Token() error = %v", err)
			}
			results <- tok
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()
	close(results)

	for tok := range results {
		if tok != "shared" {
			t.Errorf("Token() = %q, want shared", tok)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestBroker_Retries(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	boom := errors.New("connection reset")

	t.Run("succeeds on third attempt", func(t *testing.T) {
		f := &fakeFetcher{fn: func(n int32) (*oauth2.Token, error) {
			if n < 3 {
				return nil, boom
			}
			return &oauth2.Token{AccessToken: "ok", Expiry: clk.Now().Add(time.Hour)}, nil
		}}
		b := &Broker{Fetcher: f, Now: clk.Now, RetryDelay: time.Millisecond}
		tok, err := b.Token(context.Background(), false)
		if err != nil || tok != "ok" {
			t.Fatalf("Token() = %q, %v", tok, err)
		}
		if got := f.calls.Load(); got != 3 {
			t.Errorf("fetch calls = %d, want 3", got)
		}
	})

	t.Run("exhausted retries", func(t *testing.T) {
		f := &fakeFetcher{fn: func(int32) (*oauth2.Token, error) { return nil, boom }}
		b := &Broker{Fetcher: f, Now: clk.Now, RetryDelay: time.Millisecond}
		_, err := b.Token(context.Background(), false)
		if !errors.Is(err, ErrTokenFetchFailed) {
			t.Fatalf("Token() error = %v, want ErrTokenFetchFailed", err)
		}
		if !errors.Is(err, boom) {
			t.Errorf("Token() error = %v, want wrapped cause", err)
		}
		if got := f.calls.Load(); got != fetchAttempts {
			t.Errorf("fetch calls = %d, want %d", got, fetchAttempts)
		}
	})

	t.Run("missing credentials are not retried", func(t *testing.T) {
		f := &fakeFetcher{fn: func(int32) (*oauth2.Token, error) { return nil, ErrCredentialsMissing }}
		b := &Broker{Fetcher: f, Now: clk.Now, RetryDelay: time.Millisecond}
		_, err := b.Token(context.Background(), false)
		if !errors.Is(err, ErrCredentialsMissing) {
			t.Fatalf("Token() error = %v, want ErrCredentialsMissing", err)
		}
		if got := f.calls.Load(); got != 1 {
			t.Errorf("fetch calls = %d, want 1", got)
		}
	})

	t.Run("nil fetcher", func(t *testing.T) {
		b := &Broker{Now: clk.Now}
		if _, err := b.Token(context.Background(), false); !errors.Is(err, ErrCredentialsMissing) {
			t.Errorf("Token() error = %v, want ErrCredentialsMissing", err)
		}
	})
}

func TestBroker_IsolatedInstances(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	a := &Broker{Fetcher: &fakeFetcher{fn: tokenAt("a", clk.now.Add(time.Hour))}, Now: clk.Now}
	b := &Broker{Fetcher: &fakeFetcher{fn: tokenAt("b", clk.now.Add(time.Hour))}, Now: clk.Now}
	ta, _ := a.Token(context.Background(), false)
	tb, _ := b.Token(context.Background(), false)
	if ta != "a" || tb != "b" {
		t.Errorf("tokens = %q, %q; instances must not share state", ta, tb)
	}
	clk.Advance(59*time.Minute + 45*time.Second)
	if tok, _ := a.Token(context.Background(), false); tok != "a" {
		t.Errorf("expected refetch to return a, got %q", tok)
	}
	a.Close()
	b.Close()
}

func TestClientCredentialsFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "csecret" {
			t.Errorf("client credentials not sent in params")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "app-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	f := &ClientCredentialsFetcher{ClientID: "cid", ClientSecret: "csecret", TokenURL: server.URL + "/oauth2/token"}
	tok, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if tok.AccessToken != "app-token" {
		t.Errorf("AccessToken = %q, want app-token", tok.AccessToken)
	}
	if until := time.Until(tok.Expiry); until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("Expiry in %v, want ~1h", until)
	}

	if _, err := (&ClientCredentialsFetcher{ClientID: "cid"}).Fetch(context.Background()); !errors.Is(err, ErrCredentialsMissing) {
		t.Errorf("Fetch() without secret error = %v, want ErrCredentialsMissing", err)
	}
}

func TestComputeExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := ComputeExpiry(now, 0); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("ComputeExpiry(0) = %v", got)
	}
	if got := ComputeExpiry(now, 90); !got.Equal(now.Add(90 * time.Second)) {
		t.Errorf("ComputeExpiry(90) = %v", got)
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("abc"); got != "***" {
		t.Errorf("maskToken(short) = %q", got)
	}
	if got := maskToken("abcdefghijkl"); got != "***ghijkl" {
		t.Errorf("maskToken() = %q", got)
	}
}
