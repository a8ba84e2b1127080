// Package orchestrator spawns and supervises the external transcoder
// processes that produce per-channel HLS output. It owns the global
// concurrency cap (ResourceMonitor), the per-process state machine and
// health monitoring, and graceful-then-forceful teardown of process
// groups.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
	"github.com/eribbey/redcarrd/work/types"
)

// Orchestrator manages every running transcoder, at most one per channel.
type Orchestrator struct {
	cfg     *config.Config
	monitor *ResourceMonitor
	procs   *xsync.MapOf[string, *ProcessWrapper]
}

// KillOptions tunes one Kill call.
type KillOptions struct {
	// Grace bounds the wait between SIGTERM and SIGKILL. Zero means the
	// configured kill grace.
	Grace time.Duration
	// Force skips the graceful phase entirely.
	Force bool
}

// ProcessMetrics is one wrapper's observable state for admin/status
// surfaces: structured enough that callers decide recycle-or-evict from
// fields, not from parsing log text.
type ProcessMetrics struct {
	ChannelID      string   `json:"channelId"`
	State          string   `json:"state"`
	PID            int      `json:"pid"`
	UptimeSeconds  float64  `json:"uptimeSeconds"`
	SilenceSeconds float64  `json:"silenceSeconds"`
	RecentErrors   int      `json:"recentErrors"`
	Tail           []string `json:"tail"`
}

// New creates an orchestrator with a slot monitor sized from config.
func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		monitor: NewResourceMonitor(cfg.MaxTranscoders),
		procs:   xsync.NewMapOf[string, *ProcessWrapper](),
	}
}

// Monitor exposes the slot pool (admin/status reporting).
func (o *Orchestrator) Monitor() *ResourceMonitor {
	return o.monitor
}

// Get returns the wrapper for a channel, if any.
func (o *Orchestrator) Get(channelID string) (*ProcessWrapper, bool) {
	return o.procs.Load(channelID)
}

// Spawn starts a transcoder for the channel and blocks until it produced
// its first manifest bytes (for network inputs). The call holds a resource
// slot from before the fork until process exit; failure on any step
// releases the slot before returning.
//
// Parameters:
//   - ctx: bounds the slot wait and manifest wait
//   - channelID: owner of the process and its slot
//   - streamURL: upstream input; empty for capture inputs
//   - manifestPath: the local manifest the transcoder must produce
//   - opts: input kind/mode/headers, capture switches
//
// Returns:
//   - *ProcessWrapper: the supervised process
//   - error: ErrDependencyUnavailable, ErrManifestNotReady, slot/ctx
//     failures
func (o *Orchestrator) Spawn(ctx context.Context, channelID, streamURL, manifestPath string, opts SpawnOptions) (*ProcessWrapper, error) {
	binary, err := exec.LookPath(o.cfg.TranscoderPath)
	if err != nil {
		return nil, fmt.Errorf("transcoder binary %q not found: %w", o.cfg.TranscoderPath, types.ErrDependencyUnavailable)
	}

	if existing, ok := o.procs.Load(channelID); ok && !existing.State().Terminal() {
		return nil, fmt.Errorf("channel %s already has a running transcoder", channelID)
	}

	if err := o.monitor.Acquire(ctx, channelID); err != nil {
		return nil, fmt.Errorf("failed to acquire transcoder slot: %w", err)
	}

	w, err := o.start(binary, channelID, streamURL, manifestPath, opts)
	if err != nil {
		o.monitor.Release(channelID)
		return nil, err
	}

	o.procs.Store(channelID, w)

	// Capture inputs produce output only once the browser session starts
	// feeding the pipes, which happens after Spawn returns; the capture
	// manager runs WaitManifest itself at that point.
	if !opts.Capture {
		if err := o.WaitManifest(ctx, w); err != nil {
			o.Kill(channelID, KillOptions{})
			return nil, err
		}
	}

	return w, nil
}

// start forks the transcoder and wires supervision. The caller owns the
// slot; start hands slot release to the exit watcher only on success.
func (o *Orchestrator) start(binary, channelID, streamURL, manifestPath string, opts SpawnOptions) (*ProcessWrapper, error) {
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	args := buildArgs(o.cfg, streamURL, manifestPath, opts)
	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	w := &ProcessWrapper{
		ChannelID:    channelID,
		ManifestPath: manifestPath,
		cmd:          cmd,
		state:        StateInitializing,
		done:         make(chan struct{}),
	}
	cmd.Stdout = &outputSink{w: w, stream: "stdout"}
	cmd.Stderr = &outputSink{w: w, stream: "stderr"}

	var audioRead *os.File
	if opts.Capture {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open transcoder stdin: %w", err)
		}
		w.Stdin = stdin

		r, wr, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open audio pipe: %w", err)
		}
		audioRead = r
		w.AudioPipe = wr
		cmd.ExtraFiles = []*os.File{r} // child fd 3
	}

	metrics.ProcessStates.WithLabelValues(string(StateInitializing)).Inc()

	if err := cmd.Start(); err != nil {
		metrics.ProcessStates.WithLabelValues(string(StateInitializing)).Dec()
		if audioRead != nil {
			audioRead.Close()
			w.AudioPipe.Close()
		}
		return nil, fmt.Errorf("failed to start transcoder: %w", err)
	}
	if audioRead != nil {
		// The child holds its own copy of the read end now.
		audioRead.Close()
	}

	w.pid = cmd.Process.Pid
	w.startedAt = time.Now()
	w.touchOutput()
	w.setState(StateRunning)
	metrics.TranscodersRunning.Inc()
	logger.Info("{orchestrator - start} transcoder started for channel %s (pid %d)", channelID, w.pid)

	go o.watchExit(w)
	go o.healthLoop(w)

	return w, nil
}

// watchExit reaps the process, classifies unexpected exits as crashes, and
// releases the channel's slot exactly once.
func (o *Orchestrator) watchExit(w *ProcessWrapper) {
	err := w.cmd.Wait()
	w.exitErr = err
	close(w.done)

	if !w.killRequested.Load() {
		w.setState(StateCrashed)
		last := w.tail.Last()
		logger.Warn("{orchestrator - watchExit} transcoder for channel %s exited unexpectedly (err=%v last=%q)", w.ChannelID, err, last)
	}

	metrics.TranscodersRunning.Dec()
	w.releaseOnce.Do(func() { o.monitor.Release(w.ChannelID) })
}

// WaitManifest polls the wrapper's manifest path until it has bytes, the
// process dies, or the configured timeout runs out.
//
// Returns:
//   - error: ErrManifestNotReady (wrapped with the reason) on failure
func (o *Orchestrator) WaitManifest(ctx context.Context, w *ProcessWrapper) error {
	poll := o.cfg.ManifestPoll
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	deadline := time.NewTimer(o.cfg.ManifestTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if info, err := os.Stat(w.ManifestPath); err == nil && info.Size() > 0 {
				w.setState(StateHealthy)
				logger.Debug("{orchestrator - WaitManifest} channel %s manifest ready after %s", w.ChannelID, w.Uptime())
				return nil
			}
		case <-w.done:
			return fmt.Errorf("transcoder exited before producing a manifest (last output %q): %w", w.tail.Last(), types.ErrManifestNotReady)
		case <-deadline.C:
			return fmt.Errorf("no manifest bytes after %s: %w", o.cfg.ManifestTimeout, types.ErrManifestNotReady)
		case <-ctx.Done():
			return fmt.Errorf("manifest wait aborted: %w", types.ErrManifestNotReady)
		}
	}
}

// Kill terminates the channel's transcoder and forgets it. Safe to call
// for channels with no process.
func (o *Orchestrator) Kill(channelID string, opts KillOptions) {
	w, ok := o.procs.LoadAndDelete(channelID)
	if !ok {
		return
	}

	grace := opts.Grace
	if grace <= 0 {
		grace = o.cfg.KillGrace
	}
	w.kill(grace, opts.Force)
	metrics.ProcessStates.WithLabelValues(string(w.State())).Dec()
	logger.Info("{orchestrator - Kill} transcoder for channel %s terminated (state=%s)", channelID, w.State())
}

// KillAll terminates every running transcoder, used on shutdown.
func (o *Orchestrator) KillAll(opts KillOptions) {
	o.procs.Range(func(id string, _ *ProcessWrapper) bool {
		o.Kill(id, opts)
		return true
	})
}

// Metrics snapshots every tracked process for the admin surface.
func (o *Orchestrator) Metrics() []ProcessMetrics {
	out := make([]ProcessMetrics, 0)
	cutoff := time.Now().Add(-o.errorWindow())
	o.procs.Range(func(id string, w *ProcessWrapper) bool {
		out = append(out, ProcessMetrics{
			ChannelID:      id,
			State:          string(w.State()),
			PID:            w.PID(),
			UptimeSeconds:  w.Uptime().Seconds(),
			SilenceSeconds: time.Since(w.LastOutput()).Seconds(),
			RecentErrors:   w.errHits.CountSince(cutoff),
			Tail:           w.Tail(),
		})
		return true
	})
	return out
}
