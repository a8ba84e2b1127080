package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eribbey/redcarrd/work/app"
	"github.com/eribbey/redcarrd/work/browser"
	"github.com/eribbey/redcarrd/work/cache"
	"github.com/eribbey/redcarrd/work/capture"
	"github.com/eribbey/redcarrd/work/client"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/database"
	"github.com/eribbey/redcarrd/work/detect"
	"github.com/eribbey/redcarrd/work/feed"
	"github.com/eribbey/redcarrd/work/filter"
	"github.com/eribbey/redcarrd/work/handlers"
	"github.com/eribbey/redcarrd/work/jobs"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/orchestrator"
	"github.com/eribbey/redcarrd/work/playlist"
	"github.com/eribbey/redcarrd/work/registry"
	"github.com/eribbey/redcarrd/work/relay"
	"github.com/eribbey/redcarrd/work/solver"
	"github.com/eribbey/redcarrd/work/watcher"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	// preference store; optional, everything keeps working without it
	var db *database.DB
	if cfg.DatabasePath != "" {
		var err error
		db, err = database.Open(cfg.DatabasePath)
		if err != nil {
			logger.Warn("{main} preference store unavailable, continuing without: %v", err)
			db = nil
		} else {
			defer db.Close()
		}
	}

	// channel registry
	reg := registry.New(cfg, db)

	// headless browser engine; a missing binary is reported per channel at
	// first use, so startup proceeds without it
	engine, err := browser.Launch(context.Background(), cfg)
	if err != nil {
		logger.Warn("{main} browser engine unavailable: %v", err)
		engine = nil
	}

	// transcoder process orchestration and screencast capture
	orch := orchestrator.New(cfg)
	capm := capture.NewManager(cfg, engine, orch)

	// stream resolution pipeline
	detector := detect.New(cfg)
	sol := solver.New(cfg)
	resolver := jobs.NewResolver(cfg, reg, db, engine, detector, sol)

	// job manager; registry evictions tear the channel's job down with it
	jm := jobs.NewManager(cfg, reg, orch, capm, resolver)
	reg.OnEvict(jm.CleanupJob)

	// upstream HTTP client and the relay serving manifests and segments
	httpClient := client.NewHeaderSettingClient(cfg)
	rl := relay.New(cfg, reg, httpClient, jm)
	resolver.SetVariantFetcher(rl)

	// document caches and the playlist/EPG builder
	docs := cache.NewCache(cfg.CacheDuration)
	epgCache := cache.NewEPGCache(cfg.CacheDuration)
	defer epgCache.Close()
	builder := playlist.New(cfg, reg, docs, epgCache)

	// event feed, filtering, job watcher
	provider := feed.New(cfg, httpClient)
	evFilter := filter.New(cfg.Categories, cfg.IncludeRegex, cfg.ExcludeRegex)
	wm := watcher.NewManager(cfg, jm)

	// application core: rebuild loop, janitor, lifecycle
	application := app.New(cfg, reg, provider, evFilter, jm, wm, builder, docs, epgCache, db)
	application.Start()
	defer application.Stop()

	// Setup HTTP routes
	router := mux.NewRouter()

	// playlist and EPG documents
	router.HandleFunc("/playlist.m3u8", handlers.HandlePlaylist(builder)).Methods("GET")
	router.HandleFunc("/epg.xml", handlers.HandleEPG(builder)).Methods("GET")

	// per-channel HLS endpoints
	router.HandleFunc("/hls/{channelId}", handlers.HandleManifest(rl)).Methods("GET")
	router.HandleFunc("/hls/{channelId}/proxy", handlers.HandleProxy(rl)).Methods("GET")
	router.HandleFunc("/hls/{channelId}/local/{segment}", handlers.HandleLocal(rl)).Methods("GET")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, &adminState{
		cfg:     cfg,
		reg:     reg,
		app:     application,
		jobs:    jm,
		orch:    orch,
		builder: builder,
		db:      db,
	})

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	feedSource := cfg.FeedURL
	if cfg.FeedFile != "" {
		feedSource = cfg.FeedFile
	}
	categories := "all"
	if len(cfg.Categories) > 0 {
		categories = strings.Join(cfg.Categories, ", ")
	}

	// show info
	logger.Info("Starting redcarrd %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Listen Port: %d", cfg.ListenPort)
	logger.Info("  - Event Feed: %s", feedSource)
	logger.Info("  - Categories: %s", categories)
	logger.Info("  - Rebuild Interval: %s", cfg.RebuildInterval)
	logger.Info("  - Channel Lifetime: %s", cfg.ChannelLifetime)
	logger.Info("  - Hydration Workers: %d", cfg.HydrationWorkers)
	logger.Info("  - Max. Transcoders: %d", cfg.MaxTranscoders)
	logger.Info("  - Default Stream Mode: %s", cfg.DefaultStreamMode)
	logger.Info("  - Cache Enabled: %v", cfg.CacheEnabled)
	logger.Info("  - Watcher Enabled: %v", cfg.WatcherEnabled)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// gracefully restart if it's requested to do.
	go func() {

		// start a loop
		for {
			<-restartChan

			logger.Info("[ADMIN] graceful restart requested, reloading configuration")

			// CLEAR CONFIG CACHE FIRST
			config.ClearConfigCache()

			// Reload config from file. Every engine shares this pointer, so
			// the contents are copied in place rather than swapped.
			newConfig := config.LoadConfig()
			*cfg = *newConfig
			logger.SetLogLevel(cfg.LogLevel)

			// Tear down running jobs; the rebuild re-resolves what's needed
			jm.StopAll()

			// Rebuild channels against the reloaded config
			application.TriggerRebuild()

			logger.Info("[ADMIN] graceful restart completed")
		}

	}()

	// fire us up
	if err := http.ListenAndServe(addr, router); err != nil {
		logger.Fatal("Server failed to start: %v", err)
	}

}
