package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/types"
)

// writeScript installs a fake transcoder. Scripts receive the real argument
// list and treat the final argument as the manifest path, like the binary
// they stand in for.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-transcoder.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write fake transcoder: %v", err)
	}
	return path
}

const manifestThenSleep = `
for a in "$@"; do last="$a"; done
printf '#EXTM3U\n' > "$last"
sleep 30
`

func orchConfig(script string) *config.Config {
	return &config.Config{
		TranscoderPath:   script,
		MaxTranscoders:   2,
		ManifestTimeout:  3 * time.Second,
		ManifestPoll:     20 * time.Millisecond,
		KillGrace:        time.Second,
		HealthInterval:   40 * time.Millisecond,
		HealthStaleAfter: 150 * time.Millisecond,
		HealthErrorLimit: 3,
		SegmentSeconds:   4,
		PlaylistWindow:   6,
		UserAgent:        "test-agent",
	}
}

func TestSpawnWaitsForManifestThenKill(t *testing.T) {
	o := New(orchConfig(writeScript(t, manifestThenSleep)))
	manifest := filepath.Join(t.TempDir(), "c1", "index.m3u8")

	w, err := o.Spawn(context.Background(), "c1", "https://cdn.example.com/live.m3u8", manifest, SpawnOptions{
		Kind: types.KindHLS,
		Mode: types.ModeTransmux,
	})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if w.State() != StateHealthy {
		t.Fatalf("expected healthy after manifest appeared, got %s", w.State())
	}
	if info, err := os.Stat(manifest); err != nil || info.Size() == 0 {
		t.Fatalf("manifest missing after successful spawn: %v", err)
	}
	if o.Monitor().Active() != 1 {
		t.Fatalf("running process must hold one slot, active=%d", o.Monitor().Active())
	}

	o.Kill("c1", KillOptions{})
	if w.State() != StateKilled {
		t.Fatalf("expected killed state, got %s", w.State())
	}
	if _, ok := o.Get("c1"); ok {
		t.Fatal("killed process must be forgotten")
	}
	waitFor(t, 2*time.Second, "slot release", func() bool { return o.Monitor().Active() == 0 })
}

func TestSpawnManifestTimeout(t *testing.T) {
	script := writeScript(t, "sleep 30\n")
	cfg := orchConfig(script)
	cfg.ManifestTimeout = 300 * time.Millisecond
	o := New(cfg)

	_, err := o.Spawn(context.Background(), "c1", "https://cdn.example.com/live.m3u8", filepath.Join(t.TempDir(), "c1", "index.m3u8"), SpawnOptions{
		Kind: types.KindHLS,
		Mode: types.ModeTransmux,
	})
	if !errors.Is(err, types.ErrManifestNotReady) {
		t.Fatalf("expected ErrManifestNotReady, got %v", err)
	}
	if _, ok := o.Get("c1"); ok {
		t.Fatal("failed spawn must not leave a tracked process")
	}
	waitFor(t, 3*time.Second, "slot release after timeout", func() bool { return o.Monitor().Active() == 0 })
}

func TestSpawnProcessExitsBeforeManifest(t *testing.T) {
	o := New(orchConfig(writeScript(t, "echo 'boom: invalid input' >&2\nexit 1\n")))

	_, err := o.Spawn(context.Background(), "c1", "https://cdn.example.com/live.m3u8", filepath.Join(t.TempDir(), "c1", "index.m3u8"), SpawnOptions{
		Kind: types.KindHLS,
		Mode: types.ModeTransmux,
	})
	if !errors.Is(err, types.ErrManifestNotReady) {
		t.Fatalf("expected ErrManifestNotReady on crash, got %v", err)
	}
	waitFor(t, 2*time.Second, "slot release after crash", func() bool { return o.Monitor().Active() == 0 })
}

func TestSpawnMissingBinary(t *testing.T) {
	cfg := orchConfig("/nonexistent/transcoder-binary")
	o := New(cfg)

	_, err := o.Spawn(context.Background(), "c1", "https://cdn.example.com/live.m3u8", filepath.Join(t.TempDir(), "index.m3u8"), SpawnOptions{})
	if !errors.Is(err, types.ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
	if o.Monitor().Active() != 0 {
		t.Fatalf("missing binary must not consume a slot, active=%d", o.Monitor().Active())
	}
}

func TestMaxConcurrentOneDelaysSecondSpawn(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	cfg := orchConfig(writeScript(t, manifestThenSleep))
	cfg.MaxTranscoders = 1
	o := New(cfg)
	root := t.TempDir()

	if _, err := o.Spawn(context.Background(), "a", "https://cdn.example.com/a.m3u8", filepath.Join(root, "a", "index.m3u8"), SpawnOptions{Kind: types.KindHLS, Mode: types.ModeTransmux}); err != nil {
		t.Fatalf("first spawn failed: %v", err)
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := o.Spawn(context.Background(), "b", "https://cdn.example.com/b.m3u8", filepath.Join(root, "b", "index.m3u8"), SpawnOptions{Kind: types.KindHLS, Mode: types.ModeTransmux})
		secondDone <- err
	}()

	select {
	case err := <-secondDone:
		t.Fatalf("second spawn must block on the slot, returned early with %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	o.Kill("a", KillOptions{})

	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second spawn failed after slot freed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second spawn never proceeded after the slot freed")
	}
	o.Kill("b", KillOptions{})
}

func TestHealthDegradesOnSilenceAndRecovers(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	script := writeScript(t, `
for a in "$@"; do last="$a"; done
printf '#EXTM3U\n' > "$last"
sleep 0.6
i=0
while [ $i -lt 300 ]; do
  echo "frame=$i"
  i=$((i+1))
  sleep 0.03
done
`)
	o := New(orchConfig(script))

	w, err := o.Spawn(context.Background(), "c1", "https://cdn.example.com/live.m3u8", filepath.Join(t.TempDir(), "c1", "index.m3u8"), SpawnOptions{
		Kind: types.KindHLS,
		Mode: types.ModeTransmux,
	})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	defer o.Kill("c1", KillOptions{})

	waitFor(t, 3*time.Second, "degraded on silence", func() bool { return w.State() == StateDegraded })
	waitFor(t, 3*time.Second, "recovery once output resumes", func() bool { return w.State() == StateHealthy })
}

func TestProcessMetricsExposesTail(t *testing.T) {
	o := New(orchConfig(writeScript(t, `
for a in "$@"; do last="$a"; done
printf '#EXTM3U\n' > "$last"
echo "opening input" >&2
sleep 30
`)))

	_, err := o.Spawn(context.Background(), "c1", "https://cdn.example.com/live.m3u8", filepath.Join(t.TempDir(), "c1", "index.m3u8"), SpawnOptions{
		Kind: types.KindHLS,
		Mode: types.ModeTransmux,
	})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	defer o.Kill("c1", KillOptions{})

	waitFor(t, 2*time.Second, "stderr tail line", func() bool {
		for _, m := range o.Metrics() {
			for _, line := range m.Tail {
				if line == "[stderr] opening input" {
					return true
				}
			}
		}
		return false
	})

	m := o.Metrics()
	if len(m) != 1 || m[0].ChannelID != "c1" || m[0].PID == 0 {
		t.Fatalf("unexpected metrics snapshot %+v", m)
	}
}
