// Package jobs runs the per-channel output pipelines. A job pairs a channel
// with the transcoder (and, for capture, the browser session) producing its
// local HLS output; the manager creates jobs on demand, reuses them while
// they are live, and tears them down when their channel leaves the registry,
// their source changes or they go stale.
package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eribbey/redcarrd/work/capture"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
	"github.com/eribbey/redcarrd/work/orchestrator"
	"github.com/eribbey/redcarrd/work/registry"
	"github.com/eribbey/redcarrd/work/types"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

// Manager owns the job set. Creation is single-flighted per channel id:
// two concurrent EnsureJob calls for one channel produce exactly one spawn,
// with the loser receiving the winner's job.
type Manager struct {
	cfg      *config.Config
	reg      *registry.Registry
	orch     *orchestrator.Orchestrator
	capm     *capture.Manager
	resolver *Resolver

	jobs   *xsync.MapOf[string, *Job]
	flight singleflight.Group
}

// NewManager wires the job manager and registers its eviction hook with the
// registry so channels removed by a rebuild pass tear down their jobs. The
// capture manager and resolver are optional; without them capture jobs and
// hydration-time resolution are refused respectively.
func NewManager(cfg *config.Config, reg *registry.Registry, orch *orchestrator.Orchestrator, capm *capture.Manager, resolver *Resolver) *Manager {
	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		orch:     orch,
		capm:     capm,
		resolver: resolver,
		jobs:     xsync.NewMapOf[string, *Job](),
	}
	reg.OnEvict(func(channelID string) {
		m.CleanupJob(channelID)
	})
	return m
}

// Get returns the tracked job for a channel, if any.
func (m *Manager) Get(channelID string) (*Job, bool) {
	return m.jobs.Load(channelID)
}

// Jobs returns a stable snapshot of all tracked jobs ordered by channel id.
func (m *Manager) Jobs() []*Job {
	out := make([]*Job, 0, m.jobs.Size())
	m.jobs.Range(func(_ string, j *Job) bool {
		out = append(out, j)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// EnsureJob returns the live job for a channel, creating or recreating one
// as needed. Direct-mode channels need no job and get (nil, nil).
//
// Reuse requires all of: the job is live, not dead, built for the channel's
// current mode, and fed from the channel's current source. Anything else
// evicts the old job and creates a fresh one. Creation is single-flighted
// per channel id.
//
// Parameters:
//   - ctx: bounds slot acquisition, spawn and capture setup
//   - ch: the channel needing output
//
// Returns:
//   - *Job: the live job, nil for direct mode
//   - error: when the job could not be created
func (m *Manager) EnsureJob(ctx context.Context, ch *types.Channel) (*Job, error) {
	ch.Mu.RLock()
	mode := ch.StreamMode
	ch.Mu.RUnlock()

	if mode == types.ModeDirect {
		return nil, nil
	}

	source, err := m.jobSource(ch, mode)
	if err != nil {
		return nil, err
	}

	if job, ok := m.jobs.Load(ch.ID); ok && m.reusable(job, mode, source) {
		job.Touch()
		return job, nil
	}

	v, err, _ := m.flight.Do(ch.ID, func() (any, error) {
		// Re-check under the flight: the first caller may have just
		// created what this one wanted.
		if job, ok := m.jobs.Load(ch.ID); ok {
			if m.reusable(job, mode, source) {
				job.Touch()
				return job, nil
			}
			logger.Info("{jobs/manager - EnsureJob} evicting job for %s (state=%s dead=%t source changed=%t)",
				ch.ID, job.State(), job.Dead(), job.SourceURL != source)
			m.CleanupJob(ch.ID)
		}
		return m.create(ctx, ch, mode, source)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Job), nil
}

// jobSource picks the input feeding a job: capture plays the embed page,
// transcoder modes consume the resolved (or operator-pinned) stream URL.
func (m *Manager) jobSource(ch *types.Channel, mode types.StreamMode) (string, error) {
	if mode == types.ModeCapture {
		return ch.ActiveEmbedURL(), nil
	}
	source := ch.ActiveStreamURL()
	if source == "" {
		return "", fmt.Errorf("channel %s has no resolved stream to feed a %s job", ch.ID, mode)
	}
	return source, nil
}

func (m *Manager) reusable(job *Job, mode types.StreamMode, source string) bool {
	return job.State() == types.JobLive &&
		job.Kind == mode &&
		job.SourceURL == source &&
		!job.Dead()
}

// create builds the job directory and brings up the pipeline for the mode.
func (m *Manager) create(ctx context.Context, ch *types.Channel, mode types.StreamMode, source string) (*Job, error) {
	dir := m.jobDir(ch.ID)
	manifestPath := filepath.Join(dir, ManifestName)

	var (
		proc    *orchestrator.ProcessWrapper
		session *capture.Session
		err     error
	)

	switch mode {
	case types.ModeCapture:
		if m.capm == nil {
			return nil, fmt.Errorf("capture mode requested but no capture manager available: %w", types.ErrDependencyUnavailable)
		}
		session, err = m.capm.Start(ctx, ch.ID, source, capture.StartOptions{
			ManifestPath: manifestPath,
			UserAgent:    ch.HeaderSnapshot()["User-Agent"],
			Cookies:      ch.CookieSnapshot(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start capture for %s: %w", ch.ID, err)
		}
		proc, _ = m.orch.Get(ch.ID)

	default:
		headers := ch.HeaderSnapshot()
		if cookie := cookieHeader(ch.CookieSnapshot()); cookie != "" {
			headers["Cookie"] = cookie
		}
		ch.Mu.RLock()
		kind := ch.StreamKind
		ch.Mu.RUnlock()

		proc, err = m.orch.Spawn(ctx, ch.ID, source, manifestPath, orchestrator.SpawnOptions{
			Kind:    kind,
			Mode:    mode,
			Headers: headers,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to spawn %s transcoder for %s: %w", mode, ch.ID, err)
		}
	}

	job := newJob(ch.ID, mode, dir, manifestPath, source, proc, session)
	m.jobs.Store(ch.ID, job)
	metrics.JobsActive.WithLabelValues(mode.String()).Inc()

	logger.Info("{jobs/manager - create} job up for %s (%s)", ch.ID, mode)
	return job, nil
}

func (m *Manager) jobDir(channelID string) string {
	return filepath.Join(m.cfg.JobRoot, channelID)
}

// cookieHeader renders a channel's cookie set as one Cookie header value
// for the transcoder's upstream requests.
func cookieHeader(cookies []types.Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range cookies {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Name)
		b.WriteString("=")
		b.WriteString(c.Value)
	}
	return b.String()
}

// CleanupJob tears down a channel's job: the capture session is stopped,
// the transcoder killed, the tracking entry dropped and the job directory
// removed. Tolerant of partial state; a missing job still sweeps the
// directory and a missing directory is not an error.
func (m *Manager) CleanupJob(channelID string) {
	job, ok := m.jobs.LoadAndDelete(channelID)
	if ok {
		job.advance(types.JobEvicting)
		metrics.JobsActive.WithLabelValues(job.Kind.String()).Dec()

		if job.Kind == types.ModeCapture && m.capm != nil {
			// Session stop closes the transcoder's input, reaps the
			// process and closes the tab.
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.KillGrace+5*time.Second)
			m.capm.Stop(ctx, channelID)
			cancel()
		} else {
			m.orch.Kill(channelID, orchestrator.KillOptions{})
		}
	} else {
		// No tracked job, but a directory may linger from a previous run.
		m.orch.Kill(channelID, orchestrator.KillOptions{})
	}

	dir := m.jobDir(channelID)
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("{jobs/manager - CleanupJob} failed to remove job dir %s: %v", dir, err)
	}

	if ok {
		logger.Info("{jobs/manager - CleanupJob} job for %s cleaned up", channelID)
	}
}

// EvictIdle removes jobs that have not served a request within the idle
// timeout. The janitor runs this between rebuild passes so a channel nobody
// watches stops burning a transcoder slot.
func (m *Manager) EvictIdle(olderThan time.Duration) int {
	if olderThan <= 0 {
		return 0
	}
	var evicted []string
	m.jobs.Range(func(id string, j *Job) bool {
		if j.State() == types.JobLive && j.IdleFor() > olderThan {
			j.advance(types.JobStale)
			evicted = append(evicted, id)
		}
		return true
	})
	for _, id := range evicted {
		logger.Info("{jobs/manager - EvictIdle} evicting idle job for %s", id)
		m.CleanupJob(id)
	}
	return len(evicted)
}

// StopAll tears down every job, used on shutdown and before restarts.
func (m *Manager) StopAll() {
	m.jobs.Range(func(id string, _ *Job) bool {
		m.CleanupJob(id)
		return true
	})
}
