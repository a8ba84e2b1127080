package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the embed
// restreamer. It covers the rebuild scheduler, stream detection, the
// transcoder orchestrator, the capture pipeline, and the HTTP surface.
type Config struct {
	BaseURL           string        `json:"baseURL"`           // Public base URL used in playlists and rewritten manifests
	ListenPort        int           `json:"listenPort"`        // HTTP listen port
	FeedURL           string        `json:"feedURL"`           // Event feed endpoint (JSON) supplying rebuild input
	FeedFile          string        `json:"feedFile"`          // Optional local event file; takes precedence over FeedURL
	Categories        []string      `json:"categories"`        // Category filter for reconciliation (empty = all)
	IncludeRegex      string        `json:"includeRegex"`      // Event title include pattern (empty = all)
	ExcludeRegex      string        `json:"excludeRegex"`      // Event title exclude pattern
	RebuildInterval   time.Duration `json:"rebuildInterval"`   // Interval between automatic rebuild passes
	ChannelLifetime   time.Duration `json:"channelLifetime"`   // How long past start time a channel stays registered
	Timezone          string        `json:"timezone"`          // IANA zone used for EPG start/stop rendering
	DefaultStreamMode string        `json:"defaultStreamMode"` // direct | transmux | restream | capture
	HydrationWorkers  int           `json:"hydrationWorkers"`  // Bounded fan-out for post-rebuild stream resolution
	MaxTranscoders    int           `json:"maxTranscoders"`    // Global cap on concurrently running transcoder processes
	TranscoderPath    string        `json:"transcoderPath"`    // External transcoder binary (ffmpeg)
	BrowserPath       string        `json:"browserPath"`       // Headless browser binary (chromium)
	SolverURL         string        `json:"solverURL"`         // Challenge solver endpoint (empty disables solving)
	DetectionTimeout  time.Duration `json:"detectionTimeout"`  // Sniff window per detection attempt
	DetectionAttempts int           `json:"detectionAttempts"` // Full detection cycles before giving up
	DetectionBackoff  time.Duration `json:"detectionBackoff"`  // Base backoff between detection attempts
	ConfigFallback    bool          `json:"configFallback"`    // Enable phase-2 player-config inspection
	CaptureFallback   bool          `json:"captureFallback"`   // Fall back to capture mode when detection fails
	ManifestTimeout   time.Duration `json:"manifestTimeout"`   // Max wait for a spawned transcoder's first manifest bytes
	ManifestPoll      time.Duration `json:"manifestPoll"`      // Poll interval while waiting on the manifest
	HealthInterval    time.Duration `json:"healthInterval"`    // Health monitor check interval
	HealthStaleAfter  time.Duration `json:"healthStaleAfter"`  // Silence beyond this marks a process degraded
	HealthErrorLimit  int           `json:"healthErrorLimit"`  // Recent stderr error lines beyond this mark degraded
	KillGrace         time.Duration `json:"killGrace"`         // Grace between SIGTERM and SIGKILL
	JobRoot           string        `json:"jobRoot"`           // Root directory for per-job working directories
	JobIdleTimeout    time.Duration `json:"jobIdleTimeout"`    // Idle jobs older than this are evicted by the janitor
	SegmentSeconds    int           `json:"segmentSeconds"`    // HLS segment duration for local output
	PlaylistWindow    int           `json:"playlistWindow"`    // Rolling segment window size for local output
	CaptureWidth      int           `json:"captureWidth"`      // Screencast max width
	CaptureHeight     int           `json:"captureHeight"`     // Screencast max height
	CaptureFPS        int           `json:"captureFPS"`        // Screencast target frame rate (faster frames dropped)
	CaptureQuality    int           `json:"captureQuality"`    // Screencast JPEG quality 0-100
	AudioChunkMs      int           `json:"audioChunkMs"`      // Audio tap chunk interval in milliseconds
	MaxCookies        int           `json:"maxCookies"`        // Per-channel cookie set bound
	UpstreamRPS       int           `json:"upstreamRPS"`       // Upstream fetch rate limit per channel
	CacheEnabled      bool          `json:"cacheEnabled"`      // Playlist/EPG document caching
	CacheDuration     time.Duration `json:"cacheDuration"`     // Document cache TTL
	DatabasePath      string        `json:"databasePath"`      // SQLite database path
	UserAgent         string        `json:"userAgent"`         // Default User-Agent for upstream requests
	EmbedFailureLimit int           `json:"embedFailureLimit"` // Resolution failures before an embed is benched
	EmbedCooldown     time.Duration `json:"embedCooldown"`     // How long a benched embed is skipped
	WatcherEnabled    bool          `json:"watcherEnabled"`    // Per-job output watcher
	WatcherInterval   time.Duration `json:"watcherInterval"`   // Watcher check interval
	Debug             bool          `json:"debug"`             // Debug logging
	ObfuscateUrls     bool          `json:"obfuscateUrls"`     // Obfuscate URLs in logs
	AdminPasswordHash string        `json:"adminPasswordHash"` // bcrypt hash gating the admin API (empty = open)
	LogLevel          string        `json:"logLevel"`          // debug | info | warn | error
}

// ConfigFile mirrors Config for the on-disk JSON document. Duration fields
// are strings (e.g. "30s", "15m") parsed into time.Duration on load.
type ConfigFile struct {
	BaseURL           string   `json:"baseURL"`
	ListenPort        int      `json:"listenPort"`
	FeedURL           string   `json:"feedURL"`
	FeedFile          string   `json:"feedFile"`
	Categories        []string `json:"categories"`
	IncludeRegex      string   `json:"includeRegex,omitempty"`
	ExcludeRegex      string   `json:"excludeRegex,omitempty"`
	RebuildInterval   string   `json:"rebuildInterval"`
	ChannelLifetime   string   `json:"channelLifetime"`
	Timezone          string   `json:"timezone"`
	DefaultStreamMode string   `json:"defaultStreamMode"`
	HydrationWorkers  int      `json:"hydrationWorkers"`
	MaxTranscoders    int      `json:"maxTranscoders"`
	TranscoderPath    string   `json:"transcoderPath"`
	BrowserPath       string   `json:"browserPath"`
	SolverURL         string   `json:"solverURL,omitempty"`
	DetectionTimeout  string   `json:"detectionTimeout"`
	DetectionAttempts int      `json:"detectionAttempts"`
	DetectionBackoff  string   `json:"detectionBackoff"`
	ConfigFallback    bool     `json:"configFallback"`
	CaptureFallback   bool     `json:"captureFallback"`
	ManifestTimeout   string   `json:"manifestTimeout"`
	ManifestPoll      string   `json:"manifestPoll"`
	HealthInterval    string   `json:"healthInterval"`
	HealthStaleAfter  string   `json:"healthStaleAfter"`
	HealthErrorLimit  int      `json:"healthErrorLimit"`
	KillGrace         string   `json:"killGrace"`
	JobRoot           string   `json:"jobRoot"`
	JobIdleTimeout    string   `json:"jobIdleTimeout"`
	SegmentSeconds    int      `json:"segmentSeconds"`
	PlaylistWindow    int      `json:"playlistWindow"`
	CaptureWidth      int      `json:"captureWidth"`
	CaptureHeight     int      `json:"captureHeight"`
	CaptureFPS        int      `json:"captureFPS"`
	CaptureQuality    int      `json:"captureQuality"`
	AudioChunkMs      int      `json:"audioChunkMs"`
	MaxCookies        int      `json:"maxCookies"`
	UpstreamRPS       int      `json:"upstreamRPS"`
	CacheEnabled      bool     `json:"cacheEnabled"`
	CacheDuration     string   `json:"cacheDuration"`
	DatabasePath      string   `json:"databasePath"`
	UserAgent         string   `json:"userAgent"`
	EmbedFailureLimit int      `json:"embedFailureLimit"`
	EmbedCooldown     string   `json:"embedCooldown"`
	WatcherEnabled    bool     `json:"watcherEnabled"`
	WatcherInterval   string   `json:"watcherInterval"`
	Debug             bool     `json:"debug"`
	ObfuscateUrls     bool     `json:"obfuscateUrls"`
	AdminPasswordHash string   `json:"adminPasswordHash,omitempty"`
	LogLevel          string   `json:"logLevel"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// DefaultPath is where LoadConfig looks unless REDCARRD_CONFIG overrides it.
const DefaultPath = "/settings/config.json"

// Path returns the config file location: REDCARRD_CONFIG when set, the
// default otherwise. The admin API reads and writes the same file.
func Path() string {
	if p := os.Getenv("REDCARRD_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// LoadConfig loads the configuration from file or returns the cached
// instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from REDCARRD_CONFIG, then DefaultPath.
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := Path()
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Feed: %s", obfuscateURL(feedSource(config)))
		log.Printf("  Categories: %v", config.Categories)
		log.Printf("  Rebuild Interval: %s", config.RebuildInterval)
		log.Printf("  Hydration Workers: %d", config.HydrationWorkers)
		log.Printf("  Max Transcoders: %d", config.MaxTranscoders)
		log.Printf("  Default Mode: %s", config.DefaultStreamMode)
	}

	return config
}

func feedSource(c *Config) string {
	if c.FeedFile != "" {
		return c.FeedFile
	}
	return c.FeedURL
}

// loadFromFile reads and parses the configuration from a JSON file.
//
// Parameters:
//   - path: path to JSON config file
//
// Returns:
//   - *Config: parsed configuration
//   - error: if reading/parsing failed
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:           cf.BaseURL,
		ListenPort:        cf.ListenPort,
		FeedURL:           cf.FeedURL,
		FeedFile:          cf.FeedFile,
		Categories:        cf.Categories,
		IncludeRegex:      cf.IncludeRegex,
		ExcludeRegex:      cf.ExcludeRegex,
		Timezone:          cf.Timezone,
		DefaultStreamMode: cf.DefaultStreamMode,
		HydrationWorkers:  cf.HydrationWorkers,
		MaxTranscoders:    cf.MaxTranscoders,
		TranscoderPath:    cf.TranscoderPath,
		BrowserPath:       cf.BrowserPath,
		SolverURL:         cf.SolverURL,
		DetectionAttempts: cf.DetectionAttempts,
		ConfigFallback:    cf.ConfigFallback,
		CaptureFallback:   cf.CaptureFallback,
		HealthErrorLimit:  cf.HealthErrorLimit,
		JobRoot:           cf.JobRoot,
		SegmentSeconds:    cf.SegmentSeconds,
		PlaylistWindow:    cf.PlaylistWindow,
		CaptureWidth:      cf.CaptureWidth,
		CaptureHeight:     cf.CaptureHeight,
		CaptureFPS:        cf.CaptureFPS,
		CaptureQuality:    cf.CaptureQuality,
		AudioChunkMs:      cf.AudioChunkMs,
		MaxCookies:        cf.MaxCookies,
		UpstreamRPS:       cf.UpstreamRPS,
		CacheEnabled:      cf.CacheEnabled,
		DatabasePath:      cf.DatabasePath,
		UserAgent:         cf.UserAgent,
		EmbedFailureLimit: cf.EmbedFailureLimit,
		WatcherEnabled:    cf.WatcherEnabled,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
		AdminPasswordHash: cf.AdminPasswordHash,
		LogLevel:          cf.LogLevel,
	}

	// Parse duration fields
	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"rebuildInterval", cf.RebuildInterval, &config.RebuildInterval},
		{"channelLifetime", cf.ChannelLifetime, &config.ChannelLifetime},
		{"detectionTimeout", cf.DetectionTimeout, &config.DetectionTimeout},
		{"detectionBackoff", cf.DetectionBackoff, &config.DetectionBackoff},
		{"manifestTimeout", cf.ManifestTimeout, &config.ManifestTimeout},
		{"manifestPoll", cf.ManifestPoll, &config.ManifestPoll},
		{"healthInterval", cf.HealthInterval, &config.HealthInterval},
		{"healthStaleAfter", cf.HealthStaleAfter, &config.HealthStaleAfter},
		{"killGrace", cf.KillGrace, &config.KillGrace},
		{"jobIdleTimeout", cf.JobIdleTimeout, &config.JobIdleTimeout},
		{"cacheDuration", cf.CacheDuration, &config.CacheDuration},
		{"embedCooldown", cf.EmbedCooldown, &config.EmbedCooldown},
		{"watcherInterval", cf.WatcherInterval, &config.WatcherInterval},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.out = v
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:           "http://localhost:8080",
		ListenPort:        8080,
		Timezone:          "UTC",
		DefaultStreamMode: "direct",
		HydrationWorkers:  4,
		MaxTranscoders:    4,
		TranscoderPath:    "ffmpeg",
		BrowserPath:       "chromium",
		RebuildInterval:   15 * time.Minute,
		ChannelLifetime:   6 * time.Hour,
		DetectionTimeout:  12 * time.Second,
		DetectionAttempts: 3,
		DetectionBackoff:  2 * time.Second,
		ConfigFallback:    true,
		ManifestTimeout:   20 * time.Second,
		ManifestPoll:      250 * time.Millisecond,
		HealthInterval:    5 * time.Second,
		HealthStaleAfter:  30 * time.Second,
		HealthErrorLimit:  5,
		KillGrace:         5 * time.Second,
		JobRoot:           "/tmp/redcarrd",
		JobIdleTimeout:    10 * time.Minute,
		SegmentSeconds:    4,
		PlaylistWindow:    6,
		CaptureWidth:      1280,
		CaptureHeight:     720,
		CaptureFPS:        30,
		CaptureQuality:    80,
		AudioChunkMs:      1000,
		MaxCookies:        30,
		UpstreamRPS:       20,
		CacheEnabled:      true,
		CacheDuration:     30 * time.Second,
		DatabasePath:      "/settings/redcarrd.db",
		EmbedFailureLimit: 5,
		EmbedCooldown:     30 * time.Minute,
		WatcherEnabled:    true,
		WatcherInterval:   30 * time.Second,
		LogLevel:          "info",
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenPort <= 0 || config.ListenPort > 65535 {
		config.ListenPort = 8080
	}
	if config.Timezone == "" {
		config.Timezone = "UTC"
	}
	if config.DefaultStreamMode == "" {
		config.DefaultStreamMode = "direct"
	}
	if config.HydrationWorkers <= 0 {
		config.HydrationWorkers = 4
	}
	if config.MaxTranscoders <= 0 {
		config.MaxTranscoders = 4
	}
	if config.TranscoderPath == "" {
		config.TranscoderPath = "ffmpeg"
	}
	if config.BrowserPath == "" {
		config.BrowserPath = "chromium"
	}
	if config.RebuildInterval <= 0 {
		config.RebuildInterval = 15 * time.Minute
	}
	if config.ChannelLifetime <= 0 {
		config.ChannelLifetime = 6 * time.Hour
	}
	if config.DetectionTimeout <= 0 {
		config.DetectionTimeout = 12 * time.Second
	}
	if config.DetectionAttempts <= 0 {
		config.DetectionAttempts = 3
	}
	if config.DetectionBackoff <= 0 {
		config.DetectionBackoff = 2 * time.Second
	}
	if config.ManifestTimeout <= 0 {
		config.ManifestTimeout = 20 * time.Second
	}
	if config.ManifestPoll <= 0 {
		config.ManifestPoll = 250 * time.Millisecond
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = 5 * time.Second
	}
	if config.HealthStaleAfter <= 0 {
		config.HealthStaleAfter = 30 * time.Second
	}
	if config.HealthErrorLimit <= 0 {
		config.HealthErrorLimit = 5
	}
	if config.KillGrace <= 0 {
		config.KillGrace = 5 * time.Second
	}
	if config.JobRoot == "" {
		config.JobRoot = "/tmp/redcarrd"
	}
	if config.JobIdleTimeout <= 0 {
		config.JobIdleTimeout = 10 * time.Minute
	}
	if config.SegmentSeconds <= 0 {
		config.SegmentSeconds = 4
	}
	if config.PlaylistWindow <= 0 {
		config.PlaylistWindow = 6
	}
	if config.CaptureWidth <= 0 {
		config.CaptureWidth = 1280
	}
	if config.CaptureHeight <= 0 {
		config.CaptureHeight = 720
	}
	if config.CaptureFPS <= 0 {
		config.CaptureFPS = 30
	}
	if config.CaptureQuality <= 0 || config.CaptureQuality > 100 {
		config.CaptureQuality = 80
	}
	if config.AudioChunkMs <= 0 {
		config.AudioChunkMs = 1000
	}
	if config.MaxCookies <= 0 {
		config.MaxCookies = 30
	}
	if config.UpstreamRPS <= 0 {
		config.UpstreamRPS = 20
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 30 * time.Second
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/redcarrd.db"
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	}
	if config.EmbedFailureLimit <= 0 {
		config.EmbedFailureLimit = 5
	}
	if config.EmbedCooldown <= 0 {
		config.EmbedCooldown = 30 * time.Minute
	}
	if config.WatcherInterval <= 0 {
		config.WatcherInterval = 30 * time.Second
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}

// Location resolves the configured timezone, falling back to UTC when the
// zone name cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CreateExampleConfig creates an example config file on disk.
//
// Parameters:
//   - path: file path to write example config
//
// Returns:
//   - error: if write fails
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:           "http://localhost:8080",
		ListenPort:        8080,
		FeedURL:           "http://example.com/events.json",
		Categories:        []string{"football", "basketball"},
		RebuildInterval:   "15m",
		ChannelLifetime:   "6h",
		Timezone:          "Europe/London",
		DefaultStreamMode: "direct",
		HydrationWorkers:  4,
		MaxTranscoders:    4,
		TranscoderPath:    "ffmpeg",
		BrowserPath:       "chromium",
		DetectionTimeout:  "12s",
		DetectionAttempts: 3,
		DetectionBackoff:  "2s",
		ConfigFallback:    true,
		CaptureFallback:   false,
		ManifestTimeout:   "20s",
		ManifestPoll:      "250ms",
		HealthInterval:    "5s",
		HealthStaleAfter:  "30s",
		HealthErrorLimit:  5,
		KillGrace:         "5s",
		JobRoot:           "/tmp/redcarrd",
		JobIdleTimeout:    "10m",
		SegmentSeconds:    4,
		PlaylistWindow:    6,
		CaptureWidth:      1280,
		CaptureHeight:     720,
		CaptureFPS:        30,
		CaptureQuality:    80,
		AudioChunkMs:      1000,
		MaxCookies:        30,
		UpstreamRPS:       20,
		CacheEnabled:      true,
		CacheDuration:     "30s",
		DatabasePath:      "/settings/redcarrd.db",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		EmbedFailureLimit: 5,
		EmbedCooldown:     "30m",
		WatcherEnabled:    true,
		WatcherInterval:   "30s",
		Debug:             false,
		ObfuscateUrls:     true,
		LogLevel:          "info",
	}

	// setup the data properly
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
