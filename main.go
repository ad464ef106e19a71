// Command herald watches Twitch, YouTube and TikTok creators and announces new streams
// and uploads to chat channels. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts one self-rescheduling poller job per configured provider.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/onnwee/herald/config"
	"github.com/onnwee/herald/crypto"
	"github.com/onnwee/herald/db"
	"github.com/onnwee/herald/discord"
	"github.com/onnwee/herald/notify"
	"github.com/onnwee/herald/poller"
	"github.com/onnwee/herald/scheduler"
	"github.com/onnwee/herald/server"
	"github.com/onnwee/herald/telemetry"
	"github.com/onnwee/herald/tiktok"
	"github.com/onnwee/herald/twitchapi"
	"github.com/onnwee/herald/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; it requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("herald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded idempotent schema is the fallback.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}
	store := db.New(database)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		enc = aes
	} else {
		slog.Warn("ENCRYPTION_KEY not set; cached credentials are stored in plaintext")
	}

	sched := scheduler.New(ctx, slog.Default().With(slog.String("component", "scheduler")))
	defer sched.Stop()

	var loops []*poller.Loop
	if err := cfg.ValidateTransportReady(); err != nil {
		slog.Warn("announcements disabled; no pollers started", slog.Any("err", err))
	} else {
		transport, err := discord.New(cfg.DiscordBotToken)
		if err != nil {
			slog.Error("discord transport init failed", slog.Any("err", err))
			os.Exit(1)
		}
		deps := func(provider notify.Provider) poller.Deps {
			return poller.Deps{
				Subs:      store,
				Ledger:    store,
				Transport: transport,
				Logger:    slog.Default().With(slog.String("component", "poller"), slog.String("provider", string(provider))),
				Location:  cfg.QuietHoursLocation,
			}
		}

		if err := cfg.ValidateTwitchReady(); err != nil {
			slog.Info("twitch poller disabled", slog.Any("err", err))
		} else {
			broker := &twitchapi.Broker{
				Fetcher: &twitchapi.ClientCredentialsFetcher{
					ClientID:     cfg.TwitchClientID,
					ClientSecret: cfg.TwitchClientSecret,
					HTTPClient:   httpClient,
				},
				Cache:     store,
				Encryptor: enc,
			}
			defer broker.Close()
			helix := &twitchapi.HelixClient{
				Tokens:     broker,
				ClientID:   cfg.TwitchClientID,
				HTTPClient: httpClient,
				Limiter:    rate.NewLimiter(rate.Limit(cfg.HelixRatePerSec), cfg.HelixRatePerSec),
			}
			loops = append(loops, newLoop(notify.ProviderTwitch, cfg.TwitchPollInterval, sched, store,
				&poller.Twitch{Deps: deps(notify.ProviderTwitch), Helix: helix, Tokens: broker}))
		}

		yt := &poller.YouTube{
			Deps:  deps(notify.ProviderYouTube),
			Feeds: &youtubeapi.FeedClient{HTTPClient: httpClient},
		}
		if cfg.EnrichmentEnabled() {
			enricher, err := youtubeapi.NewEnricher(ctx, cfg.YouTubeAPIKey)
			if err != nil {
				slog.Warn("youtube enrichment disabled", slog.Any("err", err))
			} else {
				yt.Enricher = enricher
			}
		}
		loops = append(loops, newLoop(notify.ProviderYouTube, cfg.YouTubePollInterval, sched, store, yt))

		loops = append(loops, newLoop(notify.ProviderTikTok, cfg.TikTokPollInterval, sched, store, &poller.TikTok{
			Deps:      deps(notify.ProviderTikTok),
			Client:    &tiktok.Client{HTTPClient: httpClient},
			ProbeOnly: cfg.TikTokProbeOnly,
		}))
	}

	names := make([]string, 0, len(loops))
	for _, l := range loops {
		sched.Register(l.Name, func(ctx context.Context, _ []byte) { l.RunOnce(ctx) })
		// Bootstrap goes through the singleton path so a restart never stacks runs.
		if err := l.Arm(ctx, 0); err != nil {
			slog.Error("failed to arm poller", slog.String("job", l.Name), slog.Any("err", err))
			continue
		}
		names = append(names, l.Name)
	}
	slog.Info("pollers started", slog.Any("pollers", names))

	handlers := &server.Handlers{DB: database, Status: store, Pollers: names}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(handlers)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

func newLoop(provider notify.Provider, interval time.Duration, sched poller.Scheduler, rec poller.RunRecorder, r poller.Runner) *poller.Loop {
	return &poller.Loop{
		Name:      string(provider),
		Provider:  provider,
		Runner:    r,
		Interval:  interval,
		Scheduler: sched,
		Recorder:  rec,
		Logger:    slog.Default().With(slog.String("component", "loop"), slog.String("job", string(provider))),
	}
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT. Defaults: info, text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}
