package orchestrator

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/types"
)

// SpawnOptions describes the input side of one transcoder invocation.
type SpawnOptions struct {
	// Kind selects input demuxing/protocol flags for network inputs.
	Kind types.StreamKind
	// Mode decides between stream copy (transmux) and re-encode
	// (restream). Capture always re-encodes.
	Mode types.StreamMode
	// Headers are sent with every upstream request the transcoder makes.
	Headers map[string]string
	// Capture switches the input to the inherited pipes: MJPEG frames on
	// stdin, WebM audio on fd 3.
	Capture bool
	// FrameRate is the capture input frame rate. Ignored for network
	// inputs.
	FrameRate int
}

// buildArgs assembles the transcoder argument list: input flags first
// (headers, protocol allowlists, demuxers), then codec selection, then HLS
// segmenting, with the manifest path last. Progress goes to stdout on a
// fixed cadence so the health monitor can tell a stalled process from a
// quiet one.
func buildArgs(cfg *config.Config, streamURL, manifestPath string, opts SpawnOptions) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "info",
		"-progress", "pipe:1",
		"-y",
	}

	if opts.Capture {
		fps := opts.FrameRate
		if fps <= 0 {
			fps = 15
		}
		args = append(args,
			"-f", "image2pipe",
			"-framerate", fmt.Sprintf("%d", fps),
			"-i", "pipe:0",
			"-i", "pipe:3",
			"-map", "0:v:0",
			"-map", "1:a:0?",
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-tune", "zerolatency",
			"-pix_fmt", "yuv420p",
			"-g", fmt.Sprintf("%d", fps*2),
			"-c:a", "aac",
			"-b:a", "128k",
		)
	} else {
		ua := opts.Headers["User-Agent"]
		if ua == "" {
			ua = cfg.UserAgent
		}
		if ua != "" {
			args = append(args, "-user_agent", ua)
		}
		if lines := headerLines(opts.Headers); lines != "" {
			args = append(args, "-headers", lines)
		}

		switch opts.Kind {
		case types.KindHLS:
			args = append(args,
				"-protocol_whitelist", "file,crypto,data,http,https,tcp,tls,hls,applehttp",
				"-allowed_extensions", "ALL",
			)
		case types.KindDASH:
			args = append(args, "-f", "dash")
		default:
			// Progressive files are read at native rate so the HLS
			// window rolls in real time instead of racing to EOF.
			args = append(args, "-re")
		}
		args = append(args, "-i", streamURL)

		if opts.Mode == types.ModeRestream {
			args = append(args,
				"-c:v", "libx264",
				"-preset", "veryfast",
				"-tune", "zerolatency",
				"-pix_fmt", "yuv420p",
				"-c:a", "aac",
				"-b:a", "128k",
			)
		} else {
			args = append(args, "-c:v", "copy", "-c:a", "copy")
		}
	}

	segmentPattern := filepath.Join(filepath.Dir(manifestPath), "segment_%06d.ts")
	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", cfg.SegmentSeconds),
		"-hls_list_size", fmt.Sprintf("%d", cfg.PlaylistWindow),
		"-hls_flags", "delete_segments+program_date_time",
		"-hls_segment_filename", segmentPattern,
		manifestPath,
	)
	return args
}

// headerLines renders request headers as the CRLF-joined block the
// transcoder expects, skipping User-Agent which travels on its own flag.
// Keys are sorted so the argument list is stable across spawns.
func headerLines(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		if strings.EqualFold(k, "User-Agent") {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	return b.String()
}
