package detect

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/types"
)

type timedRequest struct {
	after time.Duration
	url   string
}

// fakePage satisfies PageContext: it replays a scripted request timeline to
// OnRequest subscribers and answers adapter probes from canned JSON.
type fakePage struct {
	requests []timedRequest
	probes   map[string]string // adapter marker to JSON probe result
}

func (f *fakePage) OnRequest(ctx context.Context, fn func(url string)) (func(), error) {
	stop := make(chan struct{})
	go func() {
		start := time.Now()
		for _, req := range f.requests {
			wait := req.after - time.Since(start)
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
			fn(req.url)
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(stop)
		}
	}, nil
}

func (f *fakePage) Evaluate(ctx context.Context, expression string, out any) error {
	for marker, result := range f.probes {
		if strings.Contains(expression, marker) {
			return json.Unmarshal([]byte(result), out)
		}
	}
	// No canned result means the probe returned null.
	return nil
}

func testDetector() *Detector {
	return New(&config.Config{DetectionTimeout: 5 * time.Second})
}

func TestSniffShortCircuitOnMasterManifest(t *testing.T) {
	page := &fakePage{requests: []timedRequest{
		{10 * time.Millisecond, "https://cdn.example.com/a.js"},
		{30 * time.Millisecond, "https://cdn.example.com/live/master.m3u8?token=abc"},
	}}

	start := time.Now()
	cand, err := testDetector().Detect(context.Background(), page, Options{Window: 5 * time.Second})
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("manifest hit should resolve without waiting out the window, took %s", elapsed)
	}
	if cand.Kind != types.KindHLS {
		t.Fatalf("expected hls candidate, got %s", cand.Kind)
	}
	if !strings.Contains(cand.URL, "master.m3u8") {
		t.Fatalf("unexpected candidate url %s", cand.URL)
	}
}

func TestSniffExcludesSegments(t *testing.T) {
	page := &fakePage{requests: []timedRequest{
		{5 * time.Millisecond, "https://cdn.example.com/live/seg-001.ts"},
		{10 * time.Millisecond, "https://cdn.example.com/live/chunk_4.m4s"},
		{20 * time.Millisecond, "https://cdn.example.com/live/stream.mpd"},
	}}

	cand, err := testDetector().Detect(context.Background(), page, Options{Window: 3 * time.Second})
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if cand.Kind != types.KindDASH || !strings.HasSuffix(cand.URL, "stream.mpd") {
		t.Fatalf("expected the mpd manifest to win, got %s (%s)", cand.URL, cand.Kind)
	}
}

func TestSniffPrefersNonProgressiveAtWindowEnd(t *testing.T) {
	page := &fakePage{requests: []timedRequest{
		{5 * time.Millisecond, "https://cdn.example.com/media/preview.mp4"},
		{15 * time.Millisecond, "https://edge.example.com/hls/live-token"},
	}}

	cand, err := testDetector().Detect(context.Background(), page, Options{Window: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if cand.Kind != types.KindHLS || !strings.Contains(cand.URL, "/hls/") {
		t.Fatalf("expected hls hint to beat progressive, got %s (%s)", cand.URL, cand.Kind)
	}
}

func TestSniffProgressiveLastResort(t *testing.T) {
	page := &fakePage{requests: []timedRequest{
		{5 * time.Millisecond, "https://cdn.example.com/media/full-event.mp4"},
	}}

	cand, err := testDetector().Detect(context.Background(), page, Options{Window: 150 * time.Millisecond})
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if cand.Kind != types.KindProgressive {
		t.Fatalf("expected progressive fallback, got %s", cand.Kind)
	}
}

func TestDetectNothingWrapsTaxonomy(t *testing.T) {
	page := &fakePage{}

	_, err := testDetector().Detect(context.Background(), page, Options{Window: 100 * time.Millisecond})
	if !errors.Is(err, ErrNoStreamDetected) {
		t.Fatalf("expected ErrNoStreamDetected, got %v", err)
	}
	if !errors.Is(err, types.ErrDetectionTimeout) {
		t.Fatalf("ErrNoStreamDetected must wrap the detection-timeout taxonomy, got %v", err)
	}
}

func TestInspectorFallback(t *testing.T) {
	page := &fakePage{
		probes: map[string]string{
			"jwplayer": `{"url":"https://cdn.example.com/stream/index.m3u8","type":"application/vnd.apple.mpegurl"}`,
		},
	}

	cand, err := testDetector().Detect(context.Background(), page, Options{Window: 100 * time.Millisecond, ConfigFallback: true})
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if cand.Player != "jwplayer" {
		t.Fatalf("expected jwplayer adapter to win, got %s", cand.Player)
	}
	if cand.Kind != types.KindHLS {
		t.Fatalf("expected hls from probe mime, got %s", cand.Kind)
	}
}

func TestInspectorNonProgressiveBeatsRegistrationOrder(t *testing.T) {
	page := &fakePage{
		probes: map[string]string{
			"jwplayer": `{"url":"https://cdn.example.com/full.mp4","type":"video/mp4"}`,
			"videojs":  `{"url":"https://cdn.example.com/live.m3u8","type":""}`,
		},
	}

	cand, err := testDetector().Detect(context.Background(), page, Options{Window: 100 * time.Millisecond, ConfigFallback: true})
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if cand.Player != "videojs" || cand.Kind != types.KindHLS {
		t.Fatalf("expected videojs hls result to beat earlier progressive, got %s (%s)", cand.Player, cand.Kind)
	}
}

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		url      string
		wantKind types.StreamKind
		wantOK   bool
	}{
		{"https://cdn/live/master.m3u8?sig=1", types.KindHLS, true},
		{"https://cdn/live/chunklist_w123_5.m3u8", types.KindHLS, true},
		{"https://cdn/live/stream.mpd", types.KindDASH, true},
		{"https://cdn/api/manifest?id=9", types.KindHLS, true},
		{"https://cdn/v2/playlist.json", types.KindHLS, true},
		{"https://cdn/live/seg-001.ts", 0, false},
		{"https://cdn/live/media_17.m4s", 0, false},
		{"https://cdn/live/frag12.aac", 0, false},
		{"https://cdn/event/replay.mp4", types.KindProgressive, true},
		{"https://cdn/assets/app.js", 0, false},
	}

	for _, tc := range cases {
		kind, _, ok := classify(tc.url)
		if ok != tc.wantOK || kind != tc.wantKind {
			t.Errorf("classify(%s) = (%s, %t), want (%s, %t)", tc.url, kind, ok, tc.wantKind, tc.wantOK)
		}
	}
}
