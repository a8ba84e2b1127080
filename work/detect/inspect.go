package detect

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/types"
	"github.com/eribbey/redcarrd/work/utils"
)

// probeResult is what each adapter's in-page script returns: a candidate
// URL plus whatever MIME/type string the player exposes, or null.
type probeResult struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// adapter is one known player library. The adapter set is closed: these
// five cover what the embed sites actually ship, and a generic HTML5 probe
// backstops the rest. Order matters; it is the tiebreak between adapters
// that both find something.
type adapter struct {
	name string
	expr string
}

var adapters = []adapter{
	{
		name: "jwplayer",
		expr: `(() => {
			try {
				if (typeof jwplayer !== 'function') return null;
				const p = jwplayer();
				if (!p || typeof p.getPlaylist !== 'function') return null;
				for (const item of (p.getPlaylist() || [])) {
					for (const s of (item.sources || [])) {
						if (s && s.file) return { url: s.file, type: s.type || '' };
					}
					if (item.file) return { url: item.file, type: item.type || '' };
				}
				return null;
			} catch (e) { return null; }
		})()`,
	},
	{
		name: "videojs",
		expr: `(() => {
			try {
				if (typeof videojs === 'undefined' || !videojs.getPlayers) return null;
				const players = videojs.getPlayers();
				for (const id of Object.keys(players)) {
					const p = players[id];
					if (!p || !p.currentSrc) continue;
					const src = p.currentSrc();
					if (src) return { url: src, type: p.currentType ? p.currentType() : '' };
				}
				return null;
			} catch (e) { return null; }
		})()`,
	},
	{
		name: "hlsjs",
		expr: `(() => {
			try {
				if (typeof Hls !== 'undefined') {
					for (const v of document.querySelectorAll('video')) {
						const h = v.hls || (v.player && v.player.hls);
						if (h && h.url) return { url: h.url, type: 'application/vnd.apple.mpegurl' };
					}
				}
				if (window.hls && window.hls.url) {
					return { url: window.hls.url, type: 'application/vnd.apple.mpegurl' };
				}
				return null;
			} catch (e) { return null; }
		})()`,
	},
	{
		name: "clappr",
		expr: `(() => {
			try {
				const p = window.player;
				if (!p || !p.options || !p.options.source) return null;
				const s = p.options.source;
				if (typeof s === 'string') return { url: s, type: '' };
				return { url: s.source || '', type: s.mimeType || '' };
			} catch (e) { return null; }
		})()`,
	},
	{
		name: "html5",
		expr: `(() => {
			try {
				for (const v of document.querySelectorAll('video')) {
					const src = v.currentSrc || v.src;
					if (src && !src.startsWith('blob:')) return { url: src, type: '' };
					for (const s of v.querySelectorAll('source')) {
						if (s.src && !s.src.startsWith('blob:')) return { url: s.src, type: s.type || '' };
					}
				}
				return null;
			} catch (e) { return null; }
		})()`,
	},
}

// kindFromProbe maps a player-reported type string (usually a MIME) to a
// stream kind, falling back to URL shape when the player reports nothing.
func kindFromProbe(res probeResult) types.StreamKind {
	t := strings.ToLower(res.Type)
	switch {
	case strings.Contains(t, "mpegurl"), strings.Contains(t, "m3u8"), t == "hls":
		return types.KindHLS
	case strings.Contains(t, "dash"), t == "mpd":
		return types.KindDASH
	case strings.HasPrefix(t, "video/"), strings.HasPrefix(t, "audio/"):
		return types.KindProgressive
	}
	if kind, _, ok := classify(res.URL); ok {
		return kind
	}
	return types.KindProgressive
}

// inspect races every adapter's in-page probe and picks the winner:
// non-progressive beats progressive, registration order breaks ties.
// Returns nil when no adapter found anything.
func (d *Detector) inspect(ctx context.Context, page PageContext) (*types.StreamCandidate, error) {
	results := make([]*probeResult, len(adapters))

	g, probeCtx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		g.Go(func() error {
			var res probeResult
			if err := page.Evaluate(probeCtx, a.expr, &res); err != nil {
				logger.Debug("{detect/inspect - inspect} %s probe failed: %v", a.name, err)
				return nil
			}
			if res.URL != "" {
				results[i] = &res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pick := -1
	for i, res := range results {
		if res == nil {
			continue
		}
		if kindFromProbe(*res) != types.KindProgressive {
			pick = i
			break
		}
		if pick < 0 {
			pick = i
		}
	}
	if pick < 0 {
		return nil, nil
	}

	res := results[pick]
	kind := kindFromProbe(*res)
	priority := priorityProgressive
	if kind == types.KindHLS {
		priority = priorityHLSHint
	} else if kind == types.KindDASH {
		priority = priorityDASHHint
	}
	logger.Debug("{detect/inspect - inspect} %s found %s (kind=%s)", adapters[pick].name, utils.LogURL(d.cfg, res.URL), kind)
	return &types.StreamCandidate{
		URL:       res.URL,
		Kind:      kind,
		Priority:  priority,
		Player:    adapters[pick].name,
		Timestamp: time.Now(),
	}, nil
}
