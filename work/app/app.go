// Package app owns the runtime lifecycle: the rebuild loop that keeps the
// channel registry in step with the event feed, the janitor that sweeps
// idle jobs and expired channels, and the manual rebuild trigger the admin
// API pulls.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eribbey/redcarrd/work/cache"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/database"
	"github.com/eribbey/redcarrd/work/feed"
	"github.com/eribbey/redcarrd/work/filter"
	"github.com/eribbey/redcarrd/work/jobs"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/playlist"
	"github.com/eribbey/redcarrd/work/registry"
	"github.com/eribbey/redcarrd/work/watcher"
)

// feedRetryInterval paces rebuild retries before the first successful pass.
// Until one lands the playlist has nothing to serve, so waiting a full
// RebuildInterval on a transient feed error would be a long dark start.
const feedRetryInterval = 30 * time.Second

// dbRowRetention is how long dead-embed records and channel preferences
// stay in the database before the janitor prunes them. Event channels are
// ephemeral; rows this old can never match a future event.
const dbRowRetention = 30 * 24 * time.Hour

// App wires the rebuild pipeline together and runs its background loops.
type App struct {
	cfg      *config.Config
	reg      *registry.Registry
	feed     *feed.Provider
	filter   *filter.EventFilter
	jobs     *jobs.Manager
	watcher  *watcher.Manager
	playlist *playlist.Builder
	docs     *cache.Cache
	epg      *cache.EPGCache
	db       *database.DB

	rebuildMu   sync.Mutex
	rebuildChan chan struct{}
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastRebuild atomic.Int64
}

// New assembles the application core from its engines.
//
// Parameters:
//   - cfg: application configuration
//   - reg: channel registry
//   - provider: event feed source
//   - evFilter: category/title filter applied before reconciliation
//   - jm: job manager (hydration + eviction)
//   - wm: job watcher manager, started when WatcherEnabled
//   - builder: playlist/EPG builder whose hydrating flag the loop drives
//   - docs: playlist/manifest cache, invalidated per pass
//   - epgCache: EPG cache, invalidated per pass
//   - db: preference store, may be nil
//
// Returns:
//   - *App: assembled app; call Start to begin the loops
func New(cfg *config.Config, reg *registry.Registry, provider *feed.Provider, evFilter *filter.EventFilter,
	jm *jobs.Manager, wm *watcher.Manager, builder *playlist.Builder,
	docs *cache.Cache, epgCache *cache.EPGCache, db *database.DB) *App {
	return &App{
		cfg:         cfg,
		reg:         reg,
		feed:        provider,
		filter:      evFilter,
		jobs:        jm,
		watcher:     wm,
		playlist:    builder,
		docs:        docs,
		epg:         epgCache,
		db:          db,
		rebuildChan: make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
	}
}

// Start launches the rebuild and janitor loops and, when enabled, the job
// watcher. The first rebuild runs inside the loop, so Start returns
// immediately and the playlist answers 503 until that pass completes.
func (a *App) Start() {
	if a.cfg.WatcherEnabled && a.watcher != nil {
		a.watcher.Start()
	}
	go a.rebuildLoop()
	go a.janitorLoop()
}

// Stop terminates the loops, the watcher and every running job. Idempotent.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.jobs.StopAll()
	})
}

// TriggerRebuild queues an immediate rebuild pass. Non-blocking; a pass
// already queued absorbs the trigger.
func (a *App) TriggerRebuild() {
	select {
	case a.rebuildChan <- struct{}{}:
	default:
	}
}

// LastRebuild returns when the last successful rebuild pass completed, or
// the zero time if none has yet.
func (a *App) LastRebuild() time.Time {
	ts := a.lastRebuild.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Rebuild runs one full pass: fetch the feed, filter it, reconcile the
// registry, drop the rendered documents, and hydrate the surviving
// channels. Passes are serialized; a failed feed fetch returns before any
// state is touched so the previous channel set keeps serving.
//
// Parameters:
//   - ctx: bounds the feed fetch and hydration
//
// Returns:
//   - error: non-nil when the feed was unavailable; reconcile/hydration
//     failures are per-channel and never fail the pass
func (a *App) Rebuild(ctx context.Context) error {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	events, err := a.feed.Events(ctx)
	if err != nil {
		return fmt.Errorf("event feed unavailable: %w", err)
	}
	events = a.filter.Apply(events)

	// The playlist answers 503 from here until hydration finishes; on the
	// very first pass this extends the builder's initial hydrating state.
	a.playlist.SetHydrating(true)
	defer a.playlist.SetHydrating(false)

	counts := a.reg.Reconcile(events, a.cfg.Categories)
	logger.Info("[REBUILD] %d events -> %d channels (%d added, %d updated, %d removed)",
		len(events), counts.Total, counts.Added, counts.Updated, counts.Removed)

	// Rendered documents are stale the moment the channel set moves; they
	// are rebuilt lazily on the next request.
	a.docs.InvalidateAll()
	a.epg.Invalidate()

	a.jobs.Hydrate(ctx, a.reg.Snapshot())

	a.lastRebuild.Store(time.Now().Unix())
	return nil
}

// rebuildLoop drives rebuild passes: retries on a short interval until the
// first pass lands, then settles into the configured cadence. Manual
// triggers share the same path.
func (a *App) rebuildLoop() {
	for {
		err := a.Rebuild(context.Background())
		if err == nil {
			break
		}
		logger.Error("[REBUILD] initial rebuild failed: %v", err)
		select {
		case <-a.stopChan:
			return
		case <-time.After(feedRetryInterval):
		}
	}

	interval := a.cfg.RebuildInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
		case <-a.rebuildChan:
		}
		if err := a.Rebuild(context.Background()); err != nil {
			logger.Error("[REBUILD] rebuild failed, keeping previous channel set: %v", err)
		}
	}
}

// janitorLoop periodically evicts idle jobs, sweeps expired channels and
// prunes stale database rows.
func (a *App) janitorLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.runJanitorPass()
		}
	}
}

func (a *App) runJanitorPass() {
	if a.cfg.JobIdleTimeout > 0 {
		if n := a.jobs.EvictIdle(a.cfg.JobIdleTimeout); n > 0 {
			logger.Info("[JANITOR] evicted %d idle jobs", n)
		}
	}

	a.reg.RemoveExpired()

	if a.db != nil {
		if n, err := a.db.CleanupOldDeadEmbeds(dbRowRetention); err != nil {
			logger.Warn("[JANITOR] dead-embed cleanup failed: %v", err)
		} else if n > 0 {
			logger.Debug("[JANITOR] pruned %d dead-embed rows", n)
		}
		if n, err := a.db.CleanupOldPrefs(dbRowRetention); err != nil {
			logger.Warn("[JANITOR] preference cleanup failed: %v", err)
		} else if n > 0 {
			logger.Debug("[JANITOR] pruned %d stale preference rows", n)
		}
	}
}
