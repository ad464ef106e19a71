package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/herald/crypto"
	"github.com/onnwee/herald/telemetry"
)

// CacheKey is the fixed key of the app token row in the shared token cache.
const CacheKey = "twitch_app_token"

const (
	// A token with less remaining lifetime than this is never served.
	minServeLifetime = 30 * time.Second
	// Tokens are proactively replaced this long before expiry.
	refreshLead = 2 * time.Minute

	fetchAttempts     = 3
	defaultRetryDelay = 500 * time.Millisecond
	retryJitter       = 250 * time.Millisecond
)

var (
	ErrCredentialsMissing = errors.New("twitch client id/secret not configured")
	ErrTokenFetchFailed   = errors.New("twitch app token fetch failed")
)

// Fetcher obtains a fresh token from the provider's token endpoint.
type Fetcher interface {
	Fetch(ctx context.Context) (*oauth2.Token, error)
}

// CachedToken is a row of the persisted token cache. Value holds ciphertext when Encrypted.
type CachedToken struct {
	Value     string
	ExpiresAt time.Time
	Encrypted bool
}

// TokenCache is the persisted tier shared across processes. GetCachedToken returns
// nil, nil when no row exists.
type TokenCache interface {
	GetCachedToken(ctx context.Context, key string) (*CachedToken, error)
	PutCachedToken(ctx context.Context, key string, tok CachedToken) error
}

// Broker owns the single shared app access token: an in-memory tier, a persisted
// (optionally encrypted) tier, and the only path to the token endpoint. Concurrent
// refreshes are collapsed into one provider call.
type Broker struct {
	Fetcher   Fetcher
	Cache     TokenCache       // optional
	Encryptor crypto.Encryptor // optional; nil stores plaintext
	Logger    *slog.Logger
	Now       func() time.Time

	// RetryDelay is the first backoff delay between token endpoint attempts.
	RetryDelay time.Duration
	// DisableAutoRefresh turns off the proactive refresh timer. It is always off under `go test`.
	DisableAutoRefresh bool

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	timer     *time.Timer
	closed    bool
}

func (b *Broker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Broker) log() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default().With(slog.String("component", "twitch_token"))
}

// Token returns a valid app access token. With forceNew the cached tiers are bypassed
// and the token endpoint is called, e.g. after the API rejected the current token.
func (b *Broker) Token(ctx context.Context, forceNew bool) (string, error) {
	if forceNew {
		return b.fetchShared(ctx)
	}
	if tok, ok := b.fromMemory(); ok {
		telemetry.CountTokenServed("memory")
		return tok, nil
	}
	v, err, _ := b.group.Do("load", func() (any, error) {
		if tok, ok := b.fromMemory(); ok {
			return tok, nil
		}
		if tok, ok := b.fromStore(ctx); ok {
			telemetry.CountTokenServed("store")
			return tok, nil
		}
		return b.fetchShared(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close stops the proactive refresh timer.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Broker) fromMemory() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != "" && b.expiresAt.Sub(b.now()) > minServeLifetime {
		return b.token, true
	}
	return "", false
}

func (b *Broker) fromStore(ctx context.Context) (string, bool) {
	if b.Cache == nil {
		return "", false
	}
	ct, err := b.Cache.GetCachedToken(ctx, CacheKey)
	if err != nil {
		b.log().Warn("token cache read failed", slog.Any("err", err))
		return "", false
	}
	if ct == nil || ct.Value == "" {
		return "", false
	}
	if ct.ExpiresAt.Sub(b.now()) <= minServeLifetime {
		return "", false
	}
	tok := ct.Value
	if ct.Encrypted {
		if b.Encryptor == nil {
			b.log().Warn("cached token is encrypted but no encryption key is configured; ignoring cache")
			return "", false
		}
		tok, err = crypto.OpenString(b.Encryptor, ct.Value, CacheKey)
		if err != nil {
			b.log().Warn("cached token could not be decrypted; ignoring cache", slog.Any("err", err))
			return "", false
		}
	}
	b.remember(tok, ct.ExpiresAt)
	return tok, true
}

func (b *Broker) fetchShared(ctx context.Context) (string, error) {
	v, err, _ := b.group.Do("fetch", func() (any, error) { return b.fetch(ctx) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Broker) fetch(ctx context.Context) (tok string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "twitch.token.fetch", attribute.String("cache_key", CacheKey))
	defer func() { telemetry.EndSpan(span, err) }()

	if b.Fetcher == nil {
		return "", ErrCredentialsMissing
	}
	delay := b.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	var got *oauth2.Token
	var last error
	err = retry.Do(
		func() error {
			t, err := b.Fetcher.Fetch(ctx)
			if err != nil {
				last = err
				if errors.Is(err, ErrCredentialsMissing) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			if t == nil || t.AccessToken == "" {
				last = errors.New("empty access_token in twitch response")
				return last
			}
			got = t
			return nil
		},
		retry.Attempts(fetchAttempts),
		retry.Delay(delay),
		retry.MaxJitter(retryJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.log().Debug("retrying token fetch", slog.Uint64("attempt", uint64(n)+1), slog.Any("err", err))
		}),
	)
	if err != nil {
		if errors.Is(last, ErrCredentialsMissing) {
			return "", ErrCredentialsMissing
		}
		if last == nil {
			last = err
		}
		telemetry.CountTokenFailure()
		return "", fmt.Errorf("%w: %w", ErrTokenFetchFailed, last)
	}

	expiresAt := got.Expiry
	if expiresAt.IsZero() {
		expiresAt = ComputeExpiry(b.now(), 0)
	}
	b.persist(ctx, got.AccessToken, expiresAt)
	b.remember(got.AccessToken, expiresAt)
	telemetry.CountTokenServed("provider")
	b.log().Info("twitch app token acquired", slog.String("tail", maskToken(got.AccessToken)), slog.Time("expires_at", expiresAt))
	return got.AccessToken, nil
}

func (b *Broker) persist(ctx context.Context, tok string, expiresAt time.Time) {
	if b.Cache == nil {
		return
	}
	row := CachedToken{Value: tok, ExpiresAt: expiresAt}
	if b.Encryptor != nil {
		sealed, err := crypto.SealString(b.Encryptor, tok, CacheKey)
		if err != nil {
			b.log().Warn("token encryption failed; not persisting", slog.Any("err", err))
			return
		}
		row.Value, row.Encrypted = sealed, true
	}
	if err := b.Cache.PutCachedToken(ctx, CacheKey, row); err != nil {
		b.log().Warn("token cache write failed", slog.Any("err", err))
	}
}

// remember stores the token in memory and re-arms the proactive refresh.
func (b *Broker) remember(tok string, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token, b.expiresAt = tok, expiresAt
	if b.closed || b.DisableAutoRefresh || testing.Testing() {
		return
	}
	d := expiresAt.Sub(b.now()) - refreshLead
	if d < 0 {
		d = 0
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d, b.refreshInBackground)
}

func (b *Broker) refreshInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.Token(ctx, true); err != nil {
		b.log().Warn("proactive token refresh failed", slog.Any("err", err))
	}
}

func maskToken(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return "***" + tok[len(tok)-6:]
}
