package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"DB_DSN", "HTTP_ADDR", "TWITCH_POLL_INTERVAL", "YOUTUBE_POLL_INTERVAL", "TIKTOK_POLL_INTERVAL", "HELIX_RATE_PER_SEC", "QUIET_HOURS_TZ", "HTTP_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBDsn == "" {
		t.Errorf("expected default DSN")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.TwitchPollInterval != time.Minute {
		t.Errorf("TwitchPollInterval = %v, want 1m", cfg.TwitchPollInterval)
	}
	if cfg.YouTubePollInterval != 5*time.Minute {
		t.Errorf("YouTubePollInterval = %v, want 5m", cfg.YouTubePollInterval)
	}
	if cfg.TikTokPollInterval != 2*time.Minute {
		t.Errorf("TikTokPollInterval = %v, want 2m", cfg.TikTokPollInterval)
	}
	if cfg.HelixRatePerSec != 10 {
		t.Errorf("HelixRatePerSec = %d, want 10", cfg.HelixRatePerSec)
	}
	if cfg.QuietHoursLocation != time.Local {
		t.Errorf("QuietHoursLocation = %v, want Local", cfg.QuietHoursLocation)
	}
}

func TestLoadClampsIntervals(t *testing.T) {
	t.Setenv("TWITCH_POLL_INTERVAL", "5s")
	t.Setenv("YOUTUBE_POLL_INTERVAL", "2h")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TwitchPollInterval != MinPollInterval {
		t.Errorf("TwitchPollInterval = %v, want %v", cfg.TwitchPollInterval, MinPollInterval)
	}
	if cfg.YouTubePollInterval != MaxPollInterval {
		t.Errorf("YouTubePollInterval = %v, want %v", cfg.YouTubePollInterval, MaxPollInterval)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TWITCH_POLL_INTERVAL", "soon"},
		{"HELIX_RATE_PER_SEC", "-3"},
		{"QUIET_HOURS_TZ", "Mars/Olympus"},
		{"HTTP_TIMEOUT", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q: expected error", tt.key, tt.value)
			}
		})
	}
}

func TestValidateTwitchReady(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	cfg, _ := Load()
	if err := cfg.ValidateTwitchReady(); err != nil {
		t.Errorf("expected valid twitch config, got %v", err)
	}
	t.Setenv("TWITCH_CLIENT_SECRET", "")
	cfg, _ = Load()
	if err := cfg.ValidateTwitchReady(); err == nil {
		t.Errorf("expected error when client secret missing")
	}
}

func TestEnrichmentEnabled(t *testing.T) {
	t.Setenv("YOUTUBE_ENRICH", "1")
	t.Setenv("YOUTUBE_API_KEY", "")
	cfg, _ := Load()
	if cfg.EnrichmentEnabled() {
		t.Errorf("enrichment should require an API key")
	}
	t.Setenv("YOUTUBE_API_KEY", "key")
	cfg, _ = Load()
	if !cfg.EnrichmentEnabled() {
		t.Errorf("enrichment should be enabled with flag and key")
	}
}
