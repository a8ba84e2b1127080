package orchestrator

import (
	"slices"
	"strings"
	"testing"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/types"
)

func argsConfig() *config.Config {
	return &config.Config{
		UserAgent:      "Mozilla/5.0 test",
		SegmentSeconds: 4,
		PlaylistWindow: 6,
	}
}

func argValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	idx := slices.Index(args, flag)
	if idx < 0 || idx+1 >= len(args) {
		t.Fatalf("flag %s missing from args %v", flag, args)
	}
	return args[idx+1]
}

func TestBuildArgsHLSInput(t *testing.T) {
	opts := SpawnOptions{
		Kind: types.KindHLS,
		Mode: types.ModeTransmux,
		Headers: map[string]string{
			"Referer":    "https://embed.example.com/",
			"Origin":     "https://embed.example.com",
			"User-Agent": "CustomAgent/1.0",
		},
	}
	args := buildArgs(argsConfig(), "https://cdn.example.com/live.m3u8", "/jobs/c1/index.m3u8", opts)

	allow := argValue(t, args, "-protocol_whitelist")
	for _, proto := range []string{"hls", "http", "https", "tcp", "tls"} {
		if !strings.Contains(allow, proto) {
			t.Fatalf("protocol allowlist %q missing %s", allow, proto)
		}
	}

	if ua := argValue(t, args, "-user_agent"); ua != "CustomAgent/1.0" {
		t.Fatalf("channel User-Agent should win over config, got %q", ua)
	}
	headers := argValue(t, args, "-headers")
	if !strings.Contains(headers, "Referer: https://embed.example.com/\r\n") {
		t.Fatalf("headers block missing CRLF-joined Referer: %q", headers)
	}
	if strings.Contains(headers, "User-Agent") {
		t.Fatalf("User-Agent must not be duplicated into -headers: %q", headers)
	}

	if argValue(t, args, "-c:v") != "copy" || argValue(t, args, "-c:a") != "copy" {
		t.Fatalf("transmux must stream-copy, got %v", args)
	}

	if args[len(args)-1] != "/jobs/c1/index.m3u8" {
		t.Fatalf("manifest path must be the final argument, got %v", args)
	}
	if argValue(t, args, "-hls_time") != "4" || argValue(t, args, "-hls_list_size") != "6" {
		t.Fatalf("segmenting flags wrong: %v", args)
	}
	if flags := argValue(t, args, "-hls_flags"); !strings.Contains(flags, "delete_segments") || !strings.Contains(flags, "program_date_time") {
		t.Fatalf("hls flags wrong: %q", flags)
	}
	if pattern := argValue(t, args, "-hls_segment_filename"); !strings.HasPrefix(pattern, "/jobs/c1/") {
		t.Fatalf("segment pattern must live in the job dir: %q", pattern)
	}
}

func TestBuildArgsDASHInput(t *testing.T) {
	args := buildArgs(argsConfig(), "https://cdn.example.com/live.mpd", "/jobs/c2/index.m3u8", SpawnOptions{
		Kind: types.KindDASH,
		Mode: types.ModeTransmux,
	})
	if argValue(t, args, "-f") != "dash" {
		t.Fatalf("dash input must select the dash demuxer: %v", args)
	}
}

func TestBuildArgsRestreamReencodes(t *testing.T) {
	args := buildArgs(argsConfig(), "https://cdn.example.com/live.m3u8", "/jobs/c3/index.m3u8", SpawnOptions{
		Kind: types.KindHLS,
		Mode: types.ModeRestream,
	})
	if argValue(t, args, "-c:v") != "libx264" {
		t.Fatalf("restream must re-encode video: %v", args)
	}
	if argValue(t, args, "-c:a") != "aac" {
		t.Fatalf("restream must re-encode audio: %v", args)
	}
}

func TestBuildArgsCaptureInput(t *testing.T) {
	args := buildArgs(argsConfig(), "", "/jobs/c4/index.m3u8", SpawnOptions{
		Mode:      types.ModeCapture,
		Capture:   true,
		FrameRate: 20,
	})

	if argValue(t, args, "-f") != "image2pipe" {
		t.Fatalf("capture video input must be image2pipe: %v", args)
	}
	if argValue(t, args, "-framerate") != "20" {
		t.Fatalf("capture frame rate not applied: %v", args)
	}

	inputs := []string{}
	for i, a := range args {
		if a == "-i" && i+1 < len(args) {
			inputs = append(inputs, args[i+1])
		}
	}
	if len(inputs) != 2 || inputs[0] != "pipe:0" || inputs[1] != "pipe:3" {
		t.Fatalf("capture must read video from stdin and audio from fd 3, got inputs %v", inputs)
	}

	if slices.Contains(args, "-headers") || slices.Contains(args, "-user_agent") {
		t.Fatalf("capture input must not carry network header flags: %v", args)
	}
	if argValue(t, args, "-c:v") != "libx264" {
		t.Fatalf("capture always re-encodes: %v", args)
	}
}

func TestHeaderLinesStable(t *testing.T) {
	a := headerLines(map[string]string{"B": "2", "A": "1", "C": "3"})
	b := headerLines(map[string]string{"C": "3", "A": "1", "B": "2"})
	if a != b {
		t.Fatalf("header rendering must be order-stable: %q vs %q", a, b)
	}
	if a != "A: 1\r\nB: 2\r\nC: 3\r\n" {
		t.Fatalf("unexpected header block %q", a)
	}
}
