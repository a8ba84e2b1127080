package capture

import (
	"context"
	"sync"
	"testing"
	"time"
)

// waitFor polls until cond holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder is a fake pipe end that logs events into a shared ordered list.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) index(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

// fakePipe counts writes and can block them until released, standing in
// for a transcoder that stopped reading.
type fakePipe struct {
	rec     *recorder
	name    string
	mu      sync.Mutex
	writes  int
	bytes   int
	gate    chan struct{}
	onClose func()
}

func newFakePipe(rec *recorder, name string) *fakePipe {
	return &fakePipe{rec: rec, name: name}
}

func (p *fakePipe) block() {
	p.mu.Lock()
	p.gate = make(chan struct{})
	p.mu.Unlock()
}

func (p *fakePipe) release() {
	p.mu.Lock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
	p.mu.Unlock()
}

func (p *fakePipe) Write(data []byte) (int, error) {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	p.mu.Lock()
	p.writes++
	p.bytes += len(data)
	p.mu.Unlock()
	return len(data), nil
}

func (p *fakePipe) Close() error {
	if p.rec != nil {
		p.rec.add("close-" + p.name)
	}
	if p.onClose != nil {
		p.onClose()
	}
	return nil
}

func (p *fakePipe) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func TestSessionRoutesVideoAndAudio(t *testing.T) {
	video := newFakePipe(nil, "video")
	audio := newFakePipe(nil, "audio")
	procDone := make(chan struct{})
	s := newSession("chan-1", video, audio, procDone, 0)
	defer close(procDone)

	s.onFrame([]byte("frame-1"))
	s.onFrame([]byte("frame-2"))
	s.onAudio([]byte("chunk-1"))
	s.onAudio(nil) // empty chunks are ignored

	waitFor(t, time.Second, "frames to reach the video pipe", func() bool {
		return video.writeCount() == 2
	})
	waitFor(t, time.Second, "audio to reach the audio pipe", func() bool {
		return audio.writeCount() == 1
	})
	if got := s.FramesWritten(); got != 2 {
		t.Fatalf("FramesWritten = %d, want 2", got)
	}
	if got := s.FramesDropped(); got != 0 {
		t.Fatalf("FramesDropped = %d, want 0", got)
	}
}

func TestSessionRateLimitsFrames(t *testing.T) {
	video := newFakePipe(nil, "video")
	audio := newFakePipe(nil, "audio")
	procDone := make(chan struct{})
	s := newSession("chan-1", video, audio, procDone, 1) // 1 fps
	defer close(procDone)

	s.onFrame([]byte("frame-1"))
	s.onFrame([]byte("frame-2")) // arrives inside the 1s interval

	waitFor(t, time.Second, "first frame to land", func() bool {
		return video.writeCount() == 1
	})
	if got := s.FramesDropped(); got != 1 {
		t.Fatalf("FramesDropped = %d, want 1", got)
	}
}

func TestSessionBackpressurePausesAndResumes(t *testing.T) {
	video := newFakePipe(nil, "video")
	audio := newFakePipe(nil, "audio")
	procDone := make(chan struct{})
	s := newSession("chan-1", video, audio, procDone, 0)
	defer close(procDone)

	pauseCalled := make(chan struct{}, 1)
	resumeCalled := make(chan struct{}, 1)
	s.pause = func(context.Context) error {
		select {
		case pauseCalled <- struct{}{}:
		default:
		}
		return nil
	}
	s.resume = func(context.Context) error {
		select {
		case resumeCalled <- struct{}{}:
		default:
		}
		return nil
	}

	// Stall the transcoder: one frame blocks in-flight, the rest pile up
	// in the queue until it overflows.
	video.block()
	for i := 0; i < queueCapacity+8; i++ {
		s.onFrame([]byte("frame"))
	}

	select {
	case <-pauseCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("queue overflow never paused the screencast")
	}
	if s.FramesDropped() == 0 {
		t.Fatal("overflowing the queue should drop frames")
	}

	// Let the transcoder drain; once the queue falls below the low-water
	// mark the session asks for frames again.
	video.release()
	select {
	case <-resumeCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("draining the queue never resumed the screencast")
	}
}

func TestSessionStopOrdering(t *testing.T) {
	rec := &recorder{}
	video := newFakePipe(rec, "video")
	audio := newFakePipe(rec, "audio")
	procDone := make(chan struct{})

	// The fake transcoder exits as soon as its video input reaches EOF,
	// like the real one does.
	var procOnce sync.Once
	video.onClose = func() {
		procOnce.Do(func() { close(procDone) })
	}

	s := newSession("chan-1", video, audio, procDone, 0)
	s.stopTap = func(context.Context) { rec.add("stop-tap") }
	s.kill = func() { rec.add("kill") }
	s.closePage = func(context.Context) { rec.add("close-page") }

	s.onFrame([]byte("frame-1"))
	waitFor(t, time.Second, "frame to flush before stopping", func() bool {
		return video.writeCount() == 1
	})

	s.Stop(context.Background())

	events := rec.list()
	if len(events) != 5 {
		t.Fatalf("stop produced events %v, want 5 of them", events)
	}
	order := []string{"stop-tap", "close-video", "close-audio", "kill", "close-page"}
	for i := 1; i < len(order); i++ {
		before, after := rec.index(order[i-1]), rec.index(order[i])
		if before == -1 || after == -1 || before > after {
			t.Fatalf("stop order %v, want %q before %q", events, order[i-1], order[i])
		}
	}

	// Producers must go quiet after Stop.
	s.onFrame([]byte("late"))
	s.onAudio([]byte("late"))
	time.Sleep(50 * time.Millisecond)
	if video.writeCount() != 1 {
		t.Fatalf("frames written after Stop: %d writes", video.writeCount())
	}

	// Stop is idempotent.
	s.Stop(context.Background())
	if got := len(rec.list()); got != 5 {
		t.Fatalf("second Stop added events: %v", rec.list())
	}
}

func TestSessionAliveTracksProcess(t *testing.T) {
	video := newFakePipe(nil, "video")
	audio := newFakePipe(nil, "audio")
	procDone := make(chan struct{})
	s := newSession("chan-1", video, audio, procDone, 0)

	if !s.Alive() {
		t.Fatal("fresh session should be alive")
	}
	close(procDone)
	if s.Alive() {
		t.Fatal("session should die with its transcoder")
	}
}
