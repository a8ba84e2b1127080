// Package capture drives last-resort stream acquisition: when no
// manifest or progressive URL can be detected, the embed page itself is
// played in a headless tab and re-encoded. Video leaves the tab as CDP
// screencast JPEG frames, audio as MediaRecorder chunks harvested through
// a page binding, and both feed the channel's transcoder over a bounded
// queue so a slow encoder backpressures the browser instead of the heap.
package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/eribbey/redcarrd/work/browser"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/orchestrator"
	"github.com/eribbey/redcarrd/work/types"
	"github.com/eribbey/redcarrd/work/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

// videoPollInterval paces the wait for a <video> element after navigation.
const videoPollInterval = 250 * time.Millisecond

// StartOptions carries per-channel knobs for a capture session.
type StartOptions struct {
	ManifestPath string
	UserAgent    string
	Cookies      []types.Cookie
}

// videoRect mirrors the bounding-rect probe result from the page.
type videoRect struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Manager owns the capture sessions: one per channel, each pairing a
// browser tab with a transcoder process.
type Manager struct {
	cfg      *config.Config
	engine   *browser.Engine
	orch     *orchestrator.Orchestrator
	sessions *xsync.MapOf[string, *Session]
}

// NewManager builds a capture manager over a shared browser engine and the
// transcoder orchestrator. The engine may be nil when no browser binary is
// available; Start then refuses with a dependency error.
func NewManager(cfg *config.Config, engine *browser.Engine, orch *orchestrator.Orchestrator) *Manager {
	return &Manager{
		cfg:      cfg,
		engine:   engine,
		orch:     orch,
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

// Get returns the live session for a channel, if any.
func (m *Manager) Get(channelID string) (*Session, bool) {
	return m.sessions.Load(channelID)
}

// Start spawns the transcoder in capture mode, opens a tab on the embed,
// coaxes the player into playing, and wires both media taps into the
// process before waiting for the first manifest.
//
// Parameters:
//   - ctx: bounds navigation, playback polling and the manifest wait
//   - channelID: channel the capture feeds
//   - embedURL: page to play
//   - opts: manifest path plus per-channel identity headers
//
// Returns:
//   - *Session: the running capture session
//   - error: when the browser or transcoder cannot be brought up
func (m *Manager) Start(ctx context.Context, channelID, embedURL string, opts StartOptions) (*Session, error) {
	if m.engine == nil || !m.engine.Alive() {
		return nil, fmt.Errorf("capture needs a running browser: %w", types.ErrDependencyUnavailable)
	}
	if existing, ok := m.sessions.Load(channelID); ok && existing.Alive() {
		return existing, nil
	}

	logger.Info("{capture/manager - Start} channel %s capturing %s", channelID, utils.LogURL(m.cfg, embedURL))

	proc, err := m.orch.Spawn(ctx, channelID, "", opts.ManifestPath, orchestrator.SpawnOptions{
		Mode:      types.ModeCapture,
		Capture:   true,
		FrameRate: m.cfg.CaptureFPS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn capture transcoder: %w", err)
	}

	page, err := m.engine.NewPage(ctx)
	if err != nil {
		m.orch.Kill(channelID, orchestrator.KillOptions{})
		return nil, fmt.Errorf("failed to open capture tab: %w", err)
	}

	session, err := m.wire(ctx, channelID, embedURL, opts, proc, page)
	if err != nil {
		page.Close(context.Background())
		m.orch.Kill(channelID, orchestrator.KillOptions{})
		return nil, err
	}

	if err := m.orch.WaitManifest(ctx, proc); err != nil {
		session.Stop(context.Background())
		m.sessions.Delete(channelID)
		return nil, fmt.Errorf("capture produced no manifest: %w", err)
	}

	logger.Info("{capture/manager - Start} channel %s capture live", channelID)
	return session, nil
}

// wire performs the in-page setup and hands the media taps to a session.
// On error the caller tears down the page and process.
func (m *Manager) wire(ctx context.Context, channelID, embedURL string, opts StartOptions, proc *orchestrator.ProcessWrapper, page *browser.Page) (*Session, error) {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = m.cfg.UserAgent
	}
	if err := page.SetUserAgent(ctx, userAgent); err != nil {
		return nil, fmt.Errorf("failed to set capture user agent: %w", err)
	}
	if err := page.SetViewport(ctx, m.cfg.CaptureWidth, m.cfg.CaptureHeight); err != nil {
		return nil, fmt.Errorf("failed to size capture viewport: %w", err)
	}
	if len(opts.Cookies) > 0 {
		if err := page.SetCookies(ctx, embedURL, opts.Cookies); err != nil {
			logger.Warn("{capture/manager - wire} channel %s cookie install failed: %v", channelID, err)
		}
	}

	if err := page.Navigate(ctx, embedURL); err != nil {
		return nil, fmt.Errorf("failed to open embed for capture: %w", err)
	}

	if err := m.waitForVideo(ctx, page); err != nil {
		return nil, err
	}

	var attempts int
	if err := page.Evaluate(ctx, autoplayScript, &attempts); err != nil {
		logger.Warn("{capture/manager - wire} channel %s autoplay nudge failed: %v", channelID, err)
	} else {
		logger.Debug("{capture/manager - wire} channel %s autoplay attempted via %d players", channelID, attempts)
	}
	m.confirmPlayback(ctx, channelID, page)

	width, height := m.captureBounds(ctx, channelID, page)
	if err := page.SetViewport(ctx, width, height); err != nil {
		logger.Warn("{capture/manager - wire} channel %s viewport resize failed: %v", channelID, err)
	}

	session := newSession(channelID, proc.Stdin, proc.AudioPipe, proc.Done(), m.cfg.CaptureFPS)

	unbind, err := page.ExposeBinding(ctx, audioBinding, func(payload string) {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			logger.Debug("{capture/manager - wire} channel %s dropped an undecodable audio chunk: %v", channelID, err)
			return
		}
		session.onAudio(data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind audio tap: %w", err)
	}

	var tapped bool
	if err := page.Evaluate(ctx, audioTapScript(m.cfg.AudioChunkMs), &tapped); err != nil {
		logger.Warn("{capture/manager - wire} channel %s audio tap install failed: %v", channelID, err)
	} else if !tapped {
		logger.Warn("{capture/manager - wire} channel %s found no media elements to tap, capturing silent video", channelID)
	}

	stopCast, err := page.StartScreencast(ctx, m.cfg.CaptureQuality, width, height, session.onFrame)
	if err != nil {
		unbind()
		return nil, fmt.Errorf("failed to start screencast: %w", err)
	}

	session.pause = page.PauseScreencast
	session.resume = func(ctx context.Context) error {
		return page.ResumeScreencast(ctx, m.cfg.CaptureQuality, width, height)
	}
	session.stopTap = func(ctx context.Context) {
		if err := page.Evaluate(ctx, stopTapScript, nil); err != nil {
			logger.Debug("{capture/manager - wire} channel %s tap stop failed: %v", channelID, err)
		}
		stopCast()
		unbind()
	}
	session.kill = func() {
		m.orch.Kill(channelID, orchestrator.KillOptions{Grace: m.cfg.KillGrace})
	}
	session.closePage = func(ctx context.Context) {
		if err := page.Close(ctx); err != nil {
			logger.Debug("{capture/manager - wire} channel %s tab close failed: %v", channelID, err)
		}
	}

	m.sessions.Store(channelID, session)
	return session, nil
}

// waitForVideo polls the page until a <video> element exists. Embeds build
// their players from script, so the element often trails the load event.
func (m *Manager) waitForVideo(ctx context.Context, page *browser.Page) error {
	deadline := time.NewTimer(m.cfg.DetectionTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(videoPollInterval)
	defer tick.Stop()

	for {
		var present bool
		if err := page.Evaluate(ctx, hasVideoScript, &present); err == nil && present {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("no video element appeared within %s: %w", m.cfg.DetectionTimeout, types.ErrDetectionTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// confirmPlayback polls briefly for the player to actually run. A player
// that stays paused still gets captured (some report paused while
// rendering), so failure here only warns.
func (m *Manager) confirmPlayback(ctx context.Context, channelID string, page *browser.Page) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		var playing bool
		if err := page.Evaluate(ctx, playingScript, &playing); err == nil && playing {
			logger.Debug("{capture/manager - confirmPlayback} channel %s playback confirmed", channelID)
			return
		}
		time.Sleep(videoPollInterval)
	}
	logger.Warn("{capture/manager - confirmPlayback} channel %s player never reported playing, capturing anyway", channelID)
}

// captureBounds picks the screencast dimensions: the video element's
// rendered rect when it is usable, clamped to the configured maximums.
func (m *Manager) captureBounds(ctx context.Context, channelID string, page *browser.Page) (int, int) {
	width, height := m.cfg.CaptureWidth, m.cfg.CaptureHeight
	var rect *videoRect
	if err := page.Evaluate(ctx, videoRectScript, &rect); err != nil || rect == nil {
		return width, height
	}
	if rect.Width < 16 || rect.Height < 16 {
		return width, height
	}
	if rect.Width < width {
		width = rect.Width
	}
	if rect.Height < height {
		height = rect.Height
	}
	logger.Debug("{capture/manager - captureBounds} channel %s capturing at %dx%d", channelID, width, height)
	return width, height
}

// Stop ends a channel's capture session if one exists.
func (m *Manager) Stop(ctx context.Context, channelID string) {
	session, ok := m.sessions.LoadAndDelete(channelID)
	if !ok {
		return
	}
	session.Stop(ctx)
}

// StopAll tears down every live session, used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.sessions.Range(func(channelID string, session *Session) bool {
		m.sessions.Delete(channelID)
		session.Stop(ctx)
		return true
	})
}
