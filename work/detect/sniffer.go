package detect

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/grafana/regexp"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/types"
	"github.com/eribbey/redcarrd/work/utils"
)

// Candidate priorities. Anything at or above priorityShortCircuit is a
// manifest-class hit and ends the sniff window immediately.
const (
	priorityShortCircuit = 85

	priorityHLSManifest  = 100
	priorityDASHManifest = 95
	priorityBareManifest = 90
	priorityJSONPlaylist = 85
	priorityHLSHint      = 50
	priorityDASHHint     = 45
	priorityProgressive  = 10
)

// urlPattern is one row of the ordered classification table. The first row
// whose expression matches decides the candidate's kind and priority.
type urlPattern struct {
	re       *regexp.Regexp
	kind     types.StreamKind
	priority int
}

// manifestPatterns are checked before the segment exclusions: a playlist
// URL with a sequence number in it is still a playlist, not a fragment.
var manifestPatterns = []urlPattern{
	{regexp.MustCompile(`\.m3u8(\?|$)`), types.KindHLS, priorityHLSManifest},
	{regexp.MustCompile(`\.mpd(\?|$)`), types.KindDASH, priorityDASHManifest},
	{regexp.MustCompile(`/manifest(\?|/|$)`), types.KindHLS, priorityBareManifest},
	{regexp.MustCompile(`/playlist\.json(\?|$)`), types.KindHLS, priorityJSONPlaylist},
}

// segmentExclusions knock media fragments out of candidacy entirely. A
// stream of .ts requests proves playback is happening but none of them is
// the stream.
var segmentExclusions = []*regexp.Regexp{
	regexp.MustCompile(`\.(ts|m4s|m4a|aac|vtt|key)(\?|$)`),
	regexp.MustCompile(`(^|[/._-])(seg|segment|chunk|frag|fragment|media)[-_]?\d+`),
}

// hintPatterns catch tokenized or extension-less stream endpoints, and
// plain progressive files as the last resort.
var hintPatterns = []urlPattern{
	{regexp.MustCompile(`m3u8`), types.KindHLS, priorityHLSHint},
	{regexp.MustCompile(`/hls/`), types.KindHLS, priorityHLSHint},
	{regexp.MustCompile(`/dash/`), types.KindDASH, priorityDASHHint},
	{regexp.MustCompile(`\.(mp4|webm|mov|flv)(\?|$)`), types.KindProgressive, priorityProgressive},
}

// classify scores one request URL. ok is false for URLs that are neither
// stream-shaped nor wanted (segments, page assets, trackers).
func classify(rawURL string) (kind types.StreamKind, priority int, ok bool) {
	u := strings.ToLower(rawURL)

	for _, p := range manifestPatterns {
		if p.re.MatchString(u) {
			return p.kind, p.priority, true
		}
	}
	for _, ex := range segmentExclusions {
		if ex.MatchString(u) {
			return 0, 0, false
		}
	}
	for _, p := range hintPatterns {
		if p.re.MatchString(u) {
			return p.kind, p.priority, true
		}
	}
	return 0, 0, false
}

// sniff watches the page's outbound requests for up to window and returns
// the best-scored candidate. A manifest-class hit resolves immediately;
// otherwise the window runs out and the highest-priority candidate wins,
// with progressive files only considered when nothing better appeared.
// Returns nil when the window closes empty.
func (d *Detector) sniff(ctx context.Context, page PageContext, window time.Duration) (*types.StreamCandidate, error) {
	var (
		mu   sync.Mutex
		best *types.StreamCandidate
	)
	immediate := make(chan types.StreamCandidate, 1)

	unsub, err := page.OnRequest(ctx, func(rawURL string) {
		kind, priority, ok := classify(rawURL)
		if !ok {
			return
		}
		cand := types.StreamCandidate{
			URL:       rawURL,
			Kind:      kind,
			Priority:  priority,
			Player:    "sniffer",
			Timestamp: time.Now(),
		}

		mu.Lock()
		if best == nil || cand.Priority > best.Priority {
			best = &cand
			logger.Debug("{detect/sniffer - sniff} candidate %s (kind=%s priority=%d)", utils.LogURL(d.cfg, rawURL), kind, priority)
		}
		mu.Unlock()

		// Handlers run on the connection read loop; never block here.
		if priority >= priorityShortCircuit {
			select {
			case immediate <- cand:
			default:
			}
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsub()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case cand := <-immediate:
		return &cand, nil
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return best, nil
}
