package capture

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
)

// queueCapacity bounds how many pending chunks the session will hold while
// the transcoder falls behind. Past it frames are dropped and the
// screencast paused; an unbounded producer would grow memory without limit
// while transcoding lags.
const queueCapacity = 64

// chunk is one unit of captured media headed for the transcoder: a JPEG
// video frame for stdin or a WebM audio fragment for the audio pipe.
type chunk struct {
	audio bool
	data  []byte
}

// Session is one live browser capture: a tab being screencast and
// audio-tapped, feeding a transcoder through a single bounded queue with
// exactly one writer goroutine, so input ordering and backpressure stay
// observable in one place.
type Session struct {
	ChannelID string
	StartedAt time.Time

	video    io.WriteCloser
	audio    io.WriteCloser
	procDone <-chan struct{}

	// pause/resume issue the screencast control calls; they run off the
	// event-handler goroutines so they may block. kill and closePage
	// finish the stop sequence.
	pause     func(ctx context.Context) error
	resume    func(ctx context.Context) error
	kill      func()
	closePage func(ctx context.Context)
	stopTap   func(ctx context.Context)

	frameInterval time.Duration
	lastFrame     atomic.Int64

	queue    chan chunk
	paused   atomic.Bool
	control  chan bool // true = pause, false = resume
	stopped  atomic.Bool
	stopOnce sync.Once

	stopWriter  chan struct{}
	writerDone  chan struct{}
	controlDone chan struct{}

	framesWritten atomic.Int64
	framesDropped atomic.Int64
	writeFailed   atomic.Bool
}

// newSession wires the queue machinery around the transcoder's input ends.
// The screencast/page hooks start as no-ops so tests can drive the queue
// without a browser; the manager fills them in.
func newSession(channelID string, video, audio io.WriteCloser, procDone <-chan struct{}, targetFPS int) *Session {
	interval := time.Duration(0)
	if targetFPS > 0 {
		interval = time.Second / time.Duration(targetFPS)
	}
	s := &Session{
		ChannelID:     channelID,
		StartedAt:     time.Now(),
		video:         video,
		audio:         audio,
		procDone:      procDone,
		frameInterval: interval,
		queue:         make(chan chunk, queueCapacity),
		control:       make(chan bool, 2),
		stopWriter:    make(chan struct{}),
		writerDone:    make(chan struct{}),
		controlDone:   make(chan struct{}),
		pause:         func(context.Context) error { return nil },
		resume:        func(context.Context) error { return nil },
		kill:          func() {},
		closePage:     func(context.Context) {},
		stopTap:       func(context.Context) {},
	}
	go s.writeLoop()
	go s.controlLoop()
	return s
}

// Alive reports whether the session can still produce output.
func (s *Session) Alive() bool {
	if s.stopped.Load() || s.writeFailed.Load() {
		return false
	}
	select {
	case <-s.procDone:
		return false
	default:
		return true
	}
}

// FramesWritten returns how many video frames reached the transcoder.
func (s *Session) FramesWritten() int64 {
	return s.framesWritten.Load()
}

// FramesDropped returns how many video frames were discarded, whether by
// rate limiting or queue pressure.
func (s *Session) FramesDropped() int64 {
	return s.framesDropped.Load()
}

// onFrame receives screencast frames. It runs on the browser connection's
// read loop: it only stamps, drops, or enqueues, and never blocks.
func (s *Session) onFrame(frame []byte) {
	if s.stopped.Load() {
		return
	}

	// Frames arriving faster than the target interval are dropped, not
	// queued; the transcoder paces on its input timestamps.
	if s.frameInterval > 0 {
		now := time.Now().UnixNano()
		last := s.lastFrame.Load()
		if last != 0 && now-last < int64(s.frameInterval) {
			s.framesDropped.Add(1)
			metrics.CaptureFrames.WithLabelValues("dropped").Inc()
			return
		}
		s.lastFrame.Store(now)
	}

	s.enqueue(chunk{data: frame})
}

// onAudio receives decoded audio chunks from the page binding. Also runs
// on the connection read loop.
func (s *Session) onAudio(data []byte) {
	if s.stopped.Load() || len(data) == 0 {
		return
	}
	s.enqueue(chunk{audio: true, data: data})
}

// enqueue offers a chunk to the writer without blocking. A full queue
// drops the chunk and pauses the screencast until the writer drains below
// the low-water mark.
func (s *Session) enqueue(c chunk) {
	select {
	case s.queue <- c:
	default:
		if !c.audio {
			s.framesDropped.Add(1)
			metrics.CaptureFrames.WithLabelValues("dropped").Inc()
		}
		s.requestPause()
	}
}

func (s *Session) lowWater() int {
	return queueCapacity / 4
}

func (s *Session) requestPause() {
	if s.paused.CompareAndSwap(false, true) {
		select {
		case s.control <- true:
		default:
		}
	}
}

func (s *Session) requestResume() {
	if s.paused.CompareAndSwap(true, false) {
		select {
		case s.control <- false:
		default:
		}
	}
}

// writeLoop is the sole consumer of the queue and the only goroutine that
// touches the transcoder's input ends. It exits when told to stop (after
// draining what is queued) or when the transcoder goes away.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case c := <-s.queue:
			if !s.write(c) {
				return
			}
			if s.paused.Load() && len(s.queue) <= s.lowWater() {
				s.requestResume()
			}
		case <-s.stopWriter:
			s.drain()
			return
		case <-s.procDone:
			return
		}
	}
}

// drain flushes whatever the producers managed to queue before they were
// stopped.
func (s *Session) drain() {
	for {
		select {
		case c := <-s.queue:
			if !s.write(c) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(c chunk) bool {
	dst := s.video
	if c.audio {
		dst = s.audio
	}
	if _, err := dst.Write(c.data); err != nil {
		if !s.writeFailed.Swap(true) {
			logger.Warn("{capture/session - write} channel %s transcoder input rejected a write: %v", s.ChannelID, err)
		}
		return false
	}
	if !c.audio {
		s.framesWritten.Add(1)
		metrics.CaptureFrames.WithLabelValues("written").Inc()
	}
	return true
}

// controlLoop serializes screencast pause/resume calls off the event
// goroutines, where blocking protocol calls are safe.
func (s *Session) controlLoop() {
	defer close(s.controlDone)
	for {
		select {
		case pause := <-s.control:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			var err error
			if pause {
				err = s.pause(ctx)
				logger.Debug("{capture/session - controlLoop} channel %s screencast paused (queue full)", s.ChannelID)
			} else {
				err = s.resume(ctx)
				logger.Debug("{capture/session - controlLoop} channel %s screencast resumed", s.ChannelID)
			}
			cancel()
			if err != nil && !s.stopped.Load() {
				logger.Warn("{capture/session - controlLoop} channel %s screencast control failed: %v", s.ChannelID, err)
			}
		case <-s.stopWriter:
			return
		case <-s.procDone:
			return
		}
	}
}

// Stop tears the session down in flush order: producers first, then the
// queue drains, then the transcoder's input ends are closed to signal
// end-of-stream, and only then is the process reaped and the page closed.
// Closing input first is what lets the transcoder finalize its manifest
// instead of dying mid-write. Idempotent.
func (s *Session) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)

		// Producers: end the recorder so its final chunk flushes, then
		// silence the screencast and binding via the manager's hooks.
		s.stopTap(ctx)

		close(s.stopWriter)
		<-s.writerDone
		<-s.controlDone

		// End-of-stream before any kill.
		if s.video != nil {
			s.video.Close()
		}
		if s.audio != nil {
			s.audio.Close()
		}

		// Give the transcoder its chance to exit on EOF; kill is a
		// no-op escalation when it already has.
		select {
		case <-s.procDone:
		case <-ctx.Done():
		case <-time.After(3 * time.Second):
		}
		s.kill()

		s.closePage(ctx)
		logger.Info("{capture/session - Stop} channel %s capture stopped (%d frames written, %d dropped)", s.ChannelID, s.framesWritten.Load(), s.framesDropped.Load())
	})
}
