package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/types"

	"github.com/panjf2000/ants/v2"
)

// Hydrate resolves streams and brings up jobs for a rebuild pass's channel
// set. Work fans out over a bounded pool: n = min(configured workers,
// channel count) workers drain a shared cursor, so the fan-out never exceeds
// the channel count and a stalled channel only stalls one worker. The call
// blocks until every channel was attempted; per-channel failures are logged
// and skipped, never aborting the pass.
func (m *Manager) Hydrate(ctx context.Context, channels []*types.Channel) {
	if len(channels) == 0 {
		return
	}

	n := m.cfg.HydrationWorkers
	if n < 1 {
		n = 1
	}
	if n > len(channels) {
		n = len(channels)
	}

	pool, err := ants.NewPool(n, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{jobs/hydrate - Hydrate} failed to create worker pool: %v", err)
		return
	}
	defer pool.Release()

	logger.Info("{jobs/hydrate - Hydrate} hydrating %d channels with %d workers", len(channels), n)

	var cursor atomic.Int64
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			i := int(cursor.Add(1)) - 1
			if i >= len(channels) {
				return
			}
			m.hydrateOne(ctx, channels[i])
		}
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		if err := pool.Submit(worker); err != nil {
			wg.Done()
			logger.Warn("{jobs/hydrate - Hydrate} worker submit failed: %v", err)
		}
	}
	wg.Wait()
}

// hydrateOne resolves a single channel's stream if it still needs one and
// ensures its job. Failures mark the channel and move on.
func (m *Manager) hydrateOne(ctx context.Context, ch *types.Channel) {
	ch.Mu.RLock()
	mode := ch.StreamMode
	ch.Mu.RUnlock()

	if mode != types.ModeCapture && ch.ActiveStreamURL() == "" {
		if m.resolver == nil {
			logger.Debug("{jobs/hydrate - hydrateOne} no resolver, skipping unresolved channel %s", ch.ID)
			return
		}
		if err := m.resolver.Resolve(ctx, ch); err != nil {
			if errors.Is(err, errEmbedBenched) {
				return
			}
			logger.Warn("{jobs/hydrate - hydrateOne} resolution failed for %s: %v", ch.ID, err)

			// Detection exhausted its attempts; when allowed, stop
			// chasing URLs and play the page itself.
			if m.cfg.CaptureFallback && errors.Is(err, types.ErrDetectionTimeout) {
				logger.Info("{jobs/hydrate - hydrateOne} falling back to capture for %s", ch.ID)
				m.reg.SetStreamMode(ch.ID, types.ModeCapture)
				mode = types.ModeCapture
			} else {
				return
			}
		}
	}

	// Direct channels are served straight off the resolved URL; everything
	// else wants its pipeline warm before a client shows up.
	if mode == types.ModeDirect {
		return
	}
	if _, err := m.EnsureJob(ctx, ch); err != nil {
		logger.Warn("{jobs/hydrate - hydrateOne} job creation failed for %s: %v", ch.ID, err)
	}
}
