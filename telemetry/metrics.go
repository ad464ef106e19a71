// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollRuns           *prometheus.CounterVec // provider, outcome
	Announcements      *prometheus.CounterVec // provider
	Suppressed         *prometheus.CounterVec // provider, reason
	DedupSkips         *prometheus.CounterVec // provider
	SubscriptionErrors *prometheus.CounterVec // provider
	TokenFetches       *prometheus.CounterVec // source: memory|store|provider
	TokenFailures      prometheus.Counter

	// Histograms (seconds)
	PollDuration *prometheus.HistogramVec // provider
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_poll_runs_total", Help: "Poll runs by provider and outcome"}, []string{"provider", "outcome"})
		Announcements = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_announcements_total", Help: "Announcements with confirmed delivery"}, []string{"provider"})
		Suppressed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_announcements_suppressed_total", Help: "Announcements suppressed by quiet hours or cooldown"}, []string{"provider", "reason"})
		DedupSkips = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_dedup_skips_total", Help: "Events skipped because they were already announced"}, []string{"provider"})
		SubscriptionErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_subscription_errors_total", Help: "Per-subscription processing errors"}, []string{"provider"})
		TokenFetches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_token_served_total", Help: "Credential broker tokens served by cache tier"}, []string{"source"})
		TokenFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_token_fetch_failures_total", Help: "Token endpoint fetches that exhausted retries"})
		PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "herald_poll_duration_seconds", Help: "Poll run duration seconds", Buckets: prometheus.DefBuckets}, []string{"provider"})
	})
}

// ObservePollRun records the outcome and duration of one poll run.
func ObservePollRun(provider string, ok bool, d time.Duration) {
	if PollRuns == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	PollRuns.WithLabelValues(provider, outcome).Inc()
	PollDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func CountAnnouncement(provider string) { inc(Announcements, provider) }

func CountSuppressed(provider, reason string) { inc(Suppressed, provider, reason) }

func CountDedupSkip(provider string) { inc(DedupSkips, provider) }

func CountSubscriptionError(provider string) { inc(SubscriptionErrors, provider) }

func CountTokenServed(source string) { inc(TokenFetches, source) }

func CountTokenFailure() {
	if TokenFailures != nil {
		TokenFailures.Inc()
	}
}

func inc(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns base (or the default logger) with a corr attribute if present.
func LoggerWithCorr(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := GetCorrelation(ctx); id != "" {
		return base.With(slog.String("corr", id))
	}
	return base
}
