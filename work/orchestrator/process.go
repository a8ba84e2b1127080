package orchestrator

import (
	"bytes"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/grafana/regexp"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
)

// ProcessState is one node of the wrapper state machine. A process moves
// from initializing through running to healthy, flips between healthy and
// degraded as health checks pass or fail, and ends crashed or killed.
// crashed and killed are terminal.
type ProcessState string

const (
	StateInitializing ProcessState = "initializing"
	StateRunning      ProcessState = "running"
	StateHealthy      ProcessState = "healthy"
	StateDegraded     ProcessState = "degraded"
	StateCrashed      ProcessState = "crashed"
	StateKilled       ProcessState = "killed"
)

// Terminal reports whether no further transitions are allowed.
func (s ProcessState) Terminal() bool {
	return s == StateCrashed || s == StateKilled
}

const tailCapacity = 50

// ringTail keeps the last tailCapacity output lines of a process.
type ringTail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func (r *ringTail) Append(line string) {
	r.mu.Lock()
	if r.lines == nil {
		r.lines = make([]string, tailCapacity)
	}
	r.lines[r.next] = line
	r.next = (r.next + 1) % tailCapacity
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Lines returns the retained output, oldest first.
func (r *ringTail) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lines == nil {
		return nil
	}
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, tailCapacity)
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Last returns the newest retained line, or "".
func (r *ringTail) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lines == nil {
		return ""
	}
	idx := (r.next - 1 + tailCapacity) % tailCapacity
	return r.lines[idx]
}

// errorPatterns classify stderr lines as error-like for health accounting.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\berror\b`),
	regexp.MustCompile(`(?i)\bfail(ed|ure)?\b`),
	regexp.MustCompile(`(?i)forbidden|unauthorized|access denied`),
	regexp.MustCompile(`(?i)connection (refused|reset)|timed? ?out`),
	regexp.MustCompile(`(?i)server returned [45]\d\d`),
}

func isErrorLine(line string) bool {
	for _, p := range errorPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

const errorHitCapacity = 64

// errorHits is a bounded ring of stderr error timestamps, enough to answer
// "how many error lines in the recent window" without keeping full logs.
type errorHits struct {
	mu   sync.Mutex
	hits []time.Time
	next int
}

func (e *errorHits) Record(t time.Time) {
	e.mu.Lock()
	if e.hits == nil {
		e.hits = make([]time.Time, errorHitCapacity)
	}
	e.hits[e.next] = t
	e.next = (e.next + 1) % errorHitCapacity
	e.mu.Unlock()
}

func (e *errorHits) CountSince(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.hits {
		if !t.IsZero() && t.After(cutoff) {
			n++
		}
	}
	return n
}

// ProcessWrapper supervises one running transcoder: its state machine, an
// output tail for diagnostics, and the capture input pipes when the input
// is a browser session rather than a network URL.
type ProcessWrapper struct {
	ChannelID    string
	ManifestPath string

	// Stdin carries MJPEG video frames for capture inputs, nil otherwise.
	Stdin io.WriteCloser
	// AudioPipe carries WebM audio for capture inputs (child fd 3), nil
	// otherwise.
	AudioPipe io.WriteCloser

	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	mu    sync.Mutex
	state ProcessState

	lastOutput    atomic.Int64 // unix nanos of the newest output line
	tail          ringTail
	errHits       errorHits
	killRequested atomic.Bool
	releaseOnce   sync.Once

	done    chan struct{} // closed after Wait returns
	exitErr error         // written before done closes
}

// State returns the current machine state.
func (w *ProcessWrapper) State() ProcessState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// setState transitions the machine, refusing to leave terminal states.
// Returns whether a transition happened.
func (w *ProcessWrapper) setState(to ProcessState) bool {
	w.mu.Lock()
	from := w.state
	if from == to || from.Terminal() {
		w.mu.Unlock()
		return false
	}
	w.state = to
	w.mu.Unlock()

	metrics.ProcessStates.WithLabelValues(string(from)).Dec()
	metrics.ProcessStates.WithLabelValues(string(to)).Inc()
	logger.Debug("{orchestrator/process - setState} channel %s: %s -> %s", w.ChannelID, from, to)
	return true
}

// Done is closed once the process has exited and been reaped.
func (w *ProcessWrapper) Done() <-chan struct{} {
	return w.done
}

// Exited reports whether the process is gone.
func (w *ProcessWrapper) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the Wait error. Only valid after Done is closed.
func (w *ProcessWrapper) ExitErr() error {
	return w.exitErr
}

// PID returns the child process id.
func (w *ProcessWrapper) PID() int {
	return w.pid
}

// Uptime returns how long the process has been alive (or was alive).
func (w *ProcessWrapper) Uptime() time.Duration {
	return time.Since(w.startedAt)
}

// LastOutput returns the time of the most recent stdout/stderr line.
func (w *ProcessWrapper) LastOutput() time.Time {
	return time.Unix(0, w.lastOutput.Load())
}

// Tail returns the retained output lines, oldest first.
func (w *ProcessWrapper) Tail() []string {
	return w.tail.Lines()
}

func (w *ProcessWrapper) touchOutput() {
	w.lastOutput.Store(time.Now().UnixNano())
}

// kill signals the process group: graceful first, SIGKILL after grace.
// force skips the graceful phase. Blocks until the process is reaped.
func (w *ProcessWrapper) kill(grace time.Duration, force bool) {
	w.killRequested.Store(true)

	if w.Exited() {
		w.setState(StateKilled)
		return
	}

	pgid, err := syscall.Getpgid(w.pid)
	if err != nil {
		pgid = w.pid
	}

	if !force {
		syscall.Kill(-pgid, syscall.SIGTERM)
		timer := time.NewTimer(grace)
		select {
		case <-w.done:
			timer.Stop()
			w.setState(StateKilled)
			return
		case <-timer.C:
			logger.Warn("{orchestrator/process - kill} channel %s did not exit within %s, escalating", w.ChannelID, grace)
		}
	}

	syscall.Kill(-pgid, syscall.SIGKILL)
	<-w.done
	w.setState(StateKilled)
}

// outputSink splits a process output stream into lines and feeds them into
// the wrapper's tail, liveness stamp and, for stderr, error accounting.
// Assigning it directly as cmd.Stdout/Stderr lets Wait manage the copy
// goroutines, so there is no pipe-drain ordering to get wrong.
type outputSink struct {
	w      *ProcessWrapper
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *outputSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(p)
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// Partial line: keep it buffered for the next write.
			s.buf.Reset()
			s.buf.WriteString(line)
			break
		}
		s.consume(bytes.TrimSpace([]byte(line)))
	}
	return total, nil
}

func (s *outputSink) consume(line []byte) {
	if len(line) == 0 {
		return
	}
	text := string(line)
	s.w.touchOutput()
	s.w.tail.Append("[" + s.stream + "] " + text)
	if s.stream == "stderr" && isErrorLine(text) {
		s.w.errHits.Record(time.Now())
	}
}
