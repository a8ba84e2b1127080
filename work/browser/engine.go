package browser

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/types"

	"github.com/gorilla/websocket"
)

// launchTimeout bounds how long a freshly started browser gets to print its
// DevTools endpoint before the launch is abandoned.
const launchTimeout = 20 * time.Second

// Engine owns one headless browser process and the DevTools websocket into
// it. Detection and capture sessions open tabs through NewPage; the engine
// survives across hydration passes and is torn down with the application.
//
// Canonical usage: Launch, NewPage as needed, Close. A dead engine (the
// Done channel closed) must be discarded and relaunched; its pages are
// gone with the process.
type Engine struct {
	cfg     *config.Config
	cmd     *exec.Cmd
	conn    *Conn
	wsURL   string
	dataDir string

	done      chan struct{} // closed when the browser process exits
	closeOnce sync.Once

	stderrMu   sync.Mutex
	stderrTail []string
}

// Launch starts the configured headless browser with a throwaway profile
// and connects to its DevTools endpoint.
//
// The browser binary missing from PATH is a dependency failure, not a
// retryable error: the returned error wraps types.ErrDependencyUnavailable
// so callers can fail fast instead of retrying per channel.
func Launch(ctx context.Context, cfg *config.Config) (*Engine, error) {
	binary, err := exec.LookPath(cfg.BrowserPath)
	if err != nil {
		return nil, fmt.Errorf("browser binary %q not found: %w", cfg.BrowserPath, types.ErrDependencyUnavailable)
	}

	dataDir, err := os.MkdirTemp("", "redcarrd-browser-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create browser profile dir: %w", err)
	}

	args := []string{
		"--headless=new",
		"--remote-debugging-port=0",
		"--user-data-dir=" + dataDir,
		"--no-sandbox",
		"--disable-gpu",
		"--disable-dev-shm-usage",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--autoplay-policy=no-user-gesture-required",
		fmt.Sprintf("--window-size=%d,%d", cfg.CaptureWidth, cfg.CaptureHeight),
		"about:blank",
	}

	cmd := exec.Command(binary, args...)
	// Own process group so teardown can signal the whole browser tree,
	// renderers included.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("failed to open browser stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("failed to start browser: %w", types.ErrDependencyUnavailable)
	}

	e := &Engine{
		cfg:     cfg,
		cmd:     cmd,
		dataDir: dataDir,
		done:    make(chan struct{}),
	}

	// The DevTools endpoint is announced on stderr; scan for it and keep
	// draining afterwards so the pipe never fills.
	wsCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if ws, ok := strings.CutPrefix(line, "DevTools listening on "); ok {
				select {
				case wsCh <- strings.TrimSpace(ws):
				default:
				}
			}
			e.recordStderr(line)
		}
	}()

	go func() {
		cmd.Wait()
		close(e.done)
		logger.Debug("{browser/engine - Launch} browser process exited (pid %d)", cmd.Process.Pid)
	}()

	select {
	case wsURL := <-wsCh:
		e.wsURL = wsURL
	case <-e.done:
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("browser exited during startup: %s: %w", e.lastStderr(), types.ErrDependencyUnavailable)
	case <-time.After(launchTimeout):
		e.kill()
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("browser did not announce DevTools endpoint within %s: %w", launchTimeout, types.ErrDependencyUnavailable)
	case <-ctx.Done():
		e.kill()
		os.RemoveAll(dataDir)
		return nil, ctx.Err()
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  256 * 1024, // screencast frames arrive as large base64 payloads
		WriteBufferSize: 16 * 1024,
	}
	ws, _, err := dialer.DialContext(ctx, e.wsURL, nil)
	if err != nil {
		e.kill()
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("failed to dial DevTools endpoint: %w", err)
	}
	e.conn = newConn(ws)

	logger.Info("{browser/engine - Launch} browser up (pid %d) at %s", cmd.Process.Pid, e.wsURL)
	return e, nil
}

func (e *Engine) recordStderr(line string) {
	e.stderrMu.Lock()
	e.stderrTail = append(e.stderrTail, line)
	if len(e.stderrTail) > 40 {
		e.stderrTail = e.stderrTail[len(e.stderrTail)-40:]
	}
	e.stderrMu.Unlock()
}

func (e *Engine) lastStderr() string {
	e.stderrMu.Lock()
	defer e.stderrMu.Unlock()
	if len(e.stderrTail) == 0 {
		return "(no output)"
	}
	return e.stderrTail[len(e.stderrTail)-1]
}

// Done is closed when the browser process exits, however that happens.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Alive reports whether the browser process and its DevTools connection
// are still usable.
func (e *Engine) Alive() bool {
	select {
	case <-e.done:
		return false
	default:
	}
	if e.conn == nil {
		return false
	}
	select {
	case <-e.conn.Done():
		return false
	default:
		return true
	}
}

// NewPage opens a fresh tab and attaches a flat-protocol session to it.
func (e *Engine) NewPage(ctx context.Context) (*Page, error) {
	var created struct {
		TargetID string `json:"targetId"`
	}
	err := e.conn.Call(ctx, "", "Target.createTarget", map[string]any{"url": "about:blank"}, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to create tab: %w", err)
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err = e.conn.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, &attached)
	if err != nil {
		e.conn.send("", "Target.closeTarget", map[string]any{"targetId": created.TargetID})
		return nil, fmt.Errorf("failed to attach to tab: %w", err)
	}

	logger.Debug("{browser/engine - NewPage} opened tab %s (session %s)", created.TargetID, attached.SessionID)
	return &Page{
		conn:      e.conn,
		sessionID: attached.SessionID,
		targetID:  created.TargetID,
	}, nil
}

// Close shuts the browser down: a polite Browser.close first, then the
// graceful-then-forceful process-group kill, then profile dir removal.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			e.conn.Call(ctx, "", "Browser.close", nil, nil)
			cancel()
			e.conn.Close()
		}

		select {
		case <-e.done:
		case <-time.After(2 * time.Second):
			e.kill()
		}

		os.RemoveAll(e.dataDir)
		logger.Info("{browser/engine - Close} browser shut down")
	})
}

// kill escalates on the whole process group: SIGTERM, bounded grace,
// SIGKILL. Safe to call for an already-dead process.
func (e *Engine) kill() {
	if e.cmd.Process == nil {
		return
	}
	pid := e.cmd.Process.Pid

	if pgid, err := syscall.Getpgid(pid); err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		e.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-e.done:
		return
	case <-time.After(e.cfg.KillGrace):
	}

	if pgid, err := syscall.Getpgid(pid); err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		e.cmd.Process.Kill()
	}
}
