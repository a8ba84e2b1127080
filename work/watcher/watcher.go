// Package watcher keeps an eye on running jobs from the outside. The
// orchestrator's health monitor watches the transcoder process itself;
// the watcher watches what the job actually produces, evicting jobs whose
// manifest stops moving or whose pipeline died so the next client access
// recreates them instead of streaming a frozen playlist.
package watcher

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/jobs"
	"github.com/eribbey/redcarrd/work/logger"

	"github.com/puzpuzpuz/xsync/v3"
)

// consecutiveFailureLimit is how many failed checks in a row a job gets
// before it is evicted.
const consecutiveFailureLimit = 3

// Manager coordinates one JobWatcher per live job. It discovers jobs on a
// sweep interval, so nothing else in the system needs to register with it;
// starting the manager is enough.
type Manager struct {
	cfg      *config.Config
	jobs     *jobs.Manager
	watchers *xsync.MapOf[string, *JobWatcher]
	enabled  atomic.Bool
	stopChan chan struct{}
}

// JobWatcher monitors a single job's output. Checks are filesystem and
// process-state reads only; the watcher never touches the network, so it
// cannot slow down delivery no matter how often it runs.
type JobWatcher struct {
	channelID string
	job       *jobs.Job
	jm        *jobs.Manager
	cfg       *config.Config
	ctx       context.Context
	cancel    context.CancelFunc

	consecutiveFailures atomic.Int32
	running             atomic.Bool
}

// NewManager creates a watcher manager over the given job manager. The
// manager starts disabled; call Start to begin monitoring.
//
// Parameters:
//   - cfg: application configuration (WatcherInterval, HealthStaleAfter)
//   - jm: job manager whose jobs are monitored and evicted
//
// Returns:
//   - *Manager: manager ready for Start
func NewManager(cfg *config.Config, jm *jobs.Manager) *Manager {
	return &Manager{
		cfg:      cfg,
		jobs:     jm,
		watchers: xsync.NewMapOf[string, *JobWatcher](),
		stopChan: make(chan struct{}),
	}
}

// Start activates the manager and begins the discovery sweep. Idempotent.
func (wm *Manager) Start() {
	if !wm.enabled.CompareAndSwap(false, true) {
		return
	}
	logger.Info("[WATCHER] Job watcher started (interval %v)", wm.interval())
	go wm.sweepLoop()
}

// Stop terminates the manager and every active watcher. Idempotent.
func (wm *Manager) Stop() {
	if !wm.enabled.CompareAndSwap(true, false) {
		return
	}
	close(wm.stopChan)
	wm.watchers.Range(func(key string, watcher *JobWatcher) bool {
		watcher.Stop()
		return true
	})
}

// Watch attaches a watcher to the given job, replacing any watcher already
// attached to the same channel (a recreated job gets a fresh watcher with
// fresh failure counters).
func (wm *Manager) Watch(job *jobs.Job) {
	if existing, exists := wm.watchers.LoadAndDelete(job.ChannelID); exists {
		existing.Stop()
	}

	watcher := &JobWatcher{
		channelID: job.ChannelID,
		job:       job,
		jm:        wm.jobs,
		cfg:       wm.cfg,
	}
	watcher.ctx, watcher.cancel = context.WithCancel(context.Background())
	wm.watchers.Store(job.ChannelID, watcher)

	go watcher.Watch(wm.interval())

	logger.Debug("[WATCHER] Started watching job %s (%s)", job.ChannelID, job.Kind)
}

// Unwatch detaches and stops the watcher for a channel, if any.
func (wm *Manager) Unwatch(channelID string) {
	if watcher, exists := wm.watchers.LoadAndDelete(channelID); exists {
		watcher.Stop()
		logger.Debug("[WATCHER] Stopped watching job %s", channelID)
	}
}

// sweepLoop attaches watchers to jobs that appeared since the last pass and
// prunes watchers whose job is gone or whose loop has exited.
func (wm *Manager) sweepLoop() {
	ticker := time.NewTicker(wm.interval())
	defer ticker.Stop()

	for {
		select {
		case <-wm.stopChan:
			return
		case <-ticker.C:
			for _, job := range wm.jobs.Jobs() {
				current, exists := wm.watchers.Load(job.ChannelID)
				if !exists || current.job != job {
					wm.Watch(job)
				}
			}
			wm.watchers.Range(func(key string, watcher *JobWatcher) bool {
				if _, ok := wm.jobs.Get(key); !ok || !watcher.running.Load() {
					watcher.Stop()
					wm.watchers.Delete(key)
				}
				return true
			})
		}
	}
}

func (wm *Manager) interval() time.Duration {
	if wm.cfg.WatcherInterval > 0 {
		return wm.cfg.WatcherInterval
	}
	return 30 * time.Second
}

// Watch runs the check loop until the watcher is stopped, the job leaves
// the manager, or persistent failure evicts it.
func (sw *JobWatcher) Watch(interval time.Duration) {
	if !sw.running.CompareAndSwap(false, true) {
		return
	}
	defer sw.running.Store(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
			current, ok := sw.jm.Get(sw.channelID)
			if !ok || current != sw.job {
				// Evicted or replaced behind our back; the sweep will
				// attach a fresh watcher to the replacement.
				return
			}
			if sw.checkJobHealth(interval) {
				return
			}
		}
	}
}

// Stop cancels the watcher's loop.
func (sw *JobWatcher) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
}

// checkJobHealth runs one assessment pass and updates the failure counters.
// Returns true once the job has been evicted and the loop should exit.
func (sw *JobWatcher) checkJobHealth(interval time.Duration) bool {
	// New jobs get two intervals of grace; the transcoder has already
	// produced a manifest by creation time, but segment cadence needs a
	// moment to settle.
	if time.Since(sw.job.CreatedAt) < 2*interval {
		return false
	}

	if !sw.evaluateJobHealth() {
		sw.consecutiveFailures.Store(0)
		return false
	}

	failures := sw.consecutiveFailures.Add(1)
	logger.Debug("[WATCHER] Job %s: health issue detected (consecutive %d/%d)",
		sw.channelID, failures, consecutiveFailureLimit)

	if failures < consecutiveFailureLimit {
		return false
	}

	logger.Warn("[WATCHER] Job %s: persistent failure, evicting so the next access recreates it", sw.channelID)
	sw.jm.CleanupJob(sw.channelID)
	return true
}

// evaluateJobHealth reports whether the job shows issues. Two signals:
// the pipeline itself is dead, or the manifest has not been rewritten
// within the staleness window, which for a live stream means segments
// stopped flowing even though the process looks alive.
func (sw *JobWatcher) evaluateJobHealth() bool {
	if sw.job.Dead() {
		logger.Debug("[WATCHER] Job %s: pipeline dead", sw.channelID)
		return true
	}

	info, err := os.Stat(sw.job.ManifestPath)
	if err != nil {
		logger.Debug("[WATCHER] Job %s: manifest missing: %v", sw.channelID, err)
		return true
	}

	staleAfter := sw.cfg.HealthStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	if age := time.Since(info.ModTime()); age > staleAfter {
		logger.Debug("[WATCHER] Job %s: manifest stalled for %v", sw.channelID, age.Round(time.Millisecond))
		return true
	}

	return false
}
