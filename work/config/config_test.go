package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConvertFromFileParsesDurations(t *testing.T) {
	cf := &ConfigFile{
		BaseURL:          "http://host:9000",
		RebuildInterval:  "5m",
		ChannelLifetime:  "2h",
		DetectionTimeout: "8s",
		ManifestPoll:     "100ms",
	}
	cfg, err := convertFromFile(cf)
	if err != nil {
		t.Fatalf("convertFromFile: %v", err)
	}
	if cfg.RebuildInterval != 5*time.Minute {
		t.Errorf("rebuildInterval = %v, want 5m", cfg.RebuildInterval)
	}
	if cfg.ChannelLifetime != 2*time.Hour {
		t.Errorf("channelLifetime = %v, want 2h", cfg.ChannelLifetime)
	}
	if cfg.DetectionTimeout != 8*time.Second {
		t.Errorf("detectionTimeout = %v, want 8s", cfg.DetectionTimeout)
	}
	if cfg.ManifestPoll != 100*time.Millisecond {
		t.Errorf("manifestPoll = %v, want 100ms", cfg.ManifestPoll)
	}
}

func TestConvertFromFileRejectsBadDuration(t *testing.T) {
	cf := &ConfigFile{RebuildInterval: "fifteen minutes"}
	if _, err := convertFromFile(cf); err == nil {
		t.Fatalf("expected error for invalid duration string")
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := &Config{}
	validateAndSetDefaults(cfg)

	if cfg.BaseURL == "" || cfg.ListenPort != 8080 {
		t.Errorf("base URL/port defaults missing: %q %d", cfg.BaseURL, cfg.ListenPort)
	}
	if cfg.MaxTranscoders <= 0 || cfg.HydrationWorkers <= 0 {
		t.Errorf("concurrency defaults missing")
	}
	if cfg.TranscoderPath != "ffmpeg" || cfg.BrowserPath != "chromium" {
		t.Errorf("binary path defaults missing: %q %q", cfg.TranscoderPath, cfg.BrowserPath)
	}
	if cfg.ManifestTimeout <= 0 || cfg.ManifestPoll <= 0 || cfg.KillGrace <= 0 {
		t.Errorf("orchestrator duration defaults missing")
	}
	if cfg.MaxCookies <= 0 || cfg.UserAgent == "" {
		t.Errorf("request defaults missing")
	}
}

func TestLoadFromFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := CreateExampleConfig(path); err != nil {
		t.Fatalf("CreateExampleConfig: %v", err)
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}
	if cfg.RebuildInterval != 15*time.Minute {
		t.Errorf("example rebuildInterval = %v, want 15m", cfg.RebuildInterval)
	}
	if cfg.Timezone != "Europe/London" {
		t.Errorf("example timezone = %q", cfg.Timezone)
	}
	if len(cfg.Categories) != 2 {
		t.Errorf("example categories = %v", cfg.Categories)
	}
}

func TestLoadConfigUsesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.json")
	if err := CreateExampleConfig(path); err != nil {
		t.Fatalf("CreateExampleConfig: %v", err)
	}

	ClearConfigCache()
	os.Setenv("REDCARRD_CONFIG", path)
	defer func() {
		os.Unsetenv("REDCARRD_CONFIG")
		ClearConfigCache()
	}()

	cfg := LoadConfig()
	if cfg.FeedURL != "http://example.com/events.json" {
		t.Fatalf("feedURL = %q, env override not honored", cfg.FeedURL)
	}

	// second call returns the cached instance
	if again := LoadConfig(); again != cfg {
		t.Fatalf("LoadConfig did not return cached instance")
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{Timezone: "Not/AZone"}
	if loc := cfg.Location(); loc != time.UTC {
		t.Fatalf("Location() = %v, want UTC fallback", loc)
	}
}
