package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/jobs"
	"github.com/eribbey/redcarrd/work/orchestrator"
	"github.com/eribbey/redcarrd/work/registry"
	"github.com/eribbey/redcarrd/work/types"
)

// waitFor polls cond until it holds or the timeout expires.
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

// writeScript drops an executable /bin/sh stand-in for the transcoder. The
// argument builder always puts the manifest path last.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-transcoder.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write fake transcoder: %v", err)
	}
	return path
}

func watcherConfig(t *testing.T, script string) *config.Config {
	return &config.Config{
		TranscoderPath:   script,
		JobRoot:          t.TempDir(),
		MaxTranscoders:   4,
		ManifestTimeout:  3 * time.Second,
		ManifestPoll:     20 * time.Millisecond,
		KillGrace:        time.Second,
		HealthInterval:   time.Second,
		HealthStaleAfter: 150 * time.Millisecond,
		WatcherInterval:  25 * time.Millisecond,
		SegmentSeconds:   4,
		PlaylistWindow:   6,
		UserAgent:        "test-agent",
	}
}

func watcherChannel(id, streamURL string) *types.Channel {
	return &types.Channel{
		ID:         id,
		Title:      "Test " + id,
		EmbedURL:   "https://embeds.example.com/" + id,
		StreamURL:  streamURL,
		StreamKind: types.KindHLS,
		StreamMode: types.ModeTransmux,
		RequestHeaders: map[string]string{
			"User-Agent": "test-agent",
		},
	}
}

func newWatcherFixture(t *testing.T, cfg *config.Config) (*Manager, *jobs.Manager) {
	t.Helper()
	reg := registry.New(cfg, nil)
	orch := orchestrator.New(cfg)
	jm := jobs.NewManager(cfg, reg, orch, nil, nil)
	t.Cleanup(jm.StopAll)
	wm := NewManager(cfg, jm)
	t.Cleanup(wm.Stop)
	return wm, jm
}

func TestWatcherEvictsStalledManifest(t *testing.T) {
	// Writes the manifest once and never again; the mtime goes stale.
	script := writeScript(t, `for a in "$@"; do last="$a"; done
printf '#EXTM3U\n' > "$last"
sleep 30
`)
	cfg := watcherConfig(t, script)
	wm, jm := newWatcherFixture(t, cfg)

	job, err := jm.EnsureJob(context.Background(), watcherChannel("stalled", "https://cdn.example.com/a.m3u8"))
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	wm.Watch(job)

	waitFor(t, 3*time.Second, "stalled job eviction", func() bool {
		_, ok := jm.Get("stalled")
		return !ok
	})
}

func TestWatcherEvictsDeadPipeline(t *testing.T) {
	// Stays alive just long enough for job creation, then exits.
	script := writeScript(t, `for a in "$@"; do last="$a"; done
printf '#EXTM3U\n' > "$last"
sleep 0.3
`)
	cfg := watcherConfig(t, script)
	wm, jm := newWatcherFixture(t, cfg)

	job, err := jm.EnsureJob(context.Background(), watcherChannel("dying", "https://cdn.example.com/b.m3u8"))
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	wm.Watch(job)

	waitFor(t, 3*time.Second, "dead job eviction", func() bool {
		_, ok := jm.Get("dying")
		return !ok
	})
}

func TestWatcherKeepsHealthyJob(t *testing.T) {
	// Keeps touching the manifest the way a live transcode rolls segments.
	script := writeScript(t, `for a in "$@"; do last="$a"; done
printf '#EXTM3U\n' > "$last"
while :; do touch "$last"; sleep 0.05; done
`)
	cfg := watcherConfig(t, script)
	wm, jm := newWatcherFixture(t, cfg)

	job, err := jm.EnsureJob(context.Background(), watcherChannel("healthy", "https://cdn.example.com/c.m3u8"))
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	wm.Watch(job)

	time.Sleep(600 * time.Millisecond)
	if _, ok := jm.Get("healthy"); !ok {
		t.Fatal("healthy job was evicted")
	}
	if watcher, ok := wm.watchers.Load("healthy"); !ok || !watcher.running.Load() {
		t.Fatal("watcher should still be running for a healthy job")
	}
}

func TestSweepAttachesAndPrunes(t *testing.T) {
	script := writeScript(t, `for a in "$@"; do last="$a"; done
printf '#EXTM3U\n' > "$last"
while :; do touch "$last"; sleep 0.05; done
`)
	cfg := watcherConfig(t, script)
	wm, jm := newWatcherFixture(t, cfg)
	wm.Start()

	if _, err := jm.EnsureJob(context.Background(), watcherChannel("swept", "https://cdn.example.com/d.m3u8")); err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}

	waitFor(t, 2*time.Second, "sweep to attach a watcher", func() bool {
		_, ok := wm.watchers.Load("swept")
		return ok
	})

	jm.CleanupJob("swept")
	waitFor(t, 2*time.Second, "sweep to prune the watcher", func() bool {
		_, ok := wm.watchers.Load("swept")
		return !ok
	})
}

func TestStartStopIdempotent(t *testing.T) {
	cfg := watcherConfig(t, "/bin/true")
	wm, _ := newWatcherFixture(t, cfg)

	wm.Start()
	wm.Start()
	wm.Stop()
	wm.Stop()
}
