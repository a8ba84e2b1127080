// Package playlist renders the two documents IPTV players poll: the M3U
// channel playlist and the XMLTV programme guide. Both are generated from
// the live channel registry and sit behind the shared document caches so a
// burst of player refreshes does not turn into a burst of rebuilds.
package playlist

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/eribbey/redcarrd/work/cache"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
	"github.com/eribbey/redcarrd/work/registry"
	"github.com/eribbey/redcarrd/work/types"
	"github.com/eribbey/redcarrd/work/utils"
)

// Builder generates playlist and guide documents from the channel registry.
//
// The builder starts out in the hydrating state and answers playlist
// requests with 503 until the first rebuild pass completes, so players
// never latch onto a half-populated channel list. Subsequent rebuild
// passes flip the flag around their hydration window.
type Builder struct {
	cfg  *config.Config
	reg  *registry.Registry
	docs *cache.Cache
	epg  *cache.EPGCache

	hydrating atomic.Bool
}

// New creates a playlist builder over the given registry and caches.
//
// Parameters:
//   - cfg: application configuration
//   - reg: channel registry the documents are rendered from
//   - docs: TTL cache for the rendered playlist
//   - epg: cache for the rendered XMLTV document
//
// Returns:
//   - *Builder: builder in the hydrating state
func New(cfg *config.Config, reg *registry.Registry, docs *cache.Cache, epg *cache.EPGCache) *Builder {
	b := &Builder{
		cfg:  cfg,
		reg:  reg,
		docs: docs,
		epg:  epg,
	}
	b.hydrating.Store(true)
	return b
}

// SetHydrating marks whether a rebuild pass is currently resolving
// channels. While set, playlist requests are answered with 503.
func (b *Builder) SetHydrating(v bool) {
	b.hydrating.Store(v)
}

// Hydrating reports whether the builder is refusing playlist requests.
func (b *Builder) Hydrating() bool {
	return b.hydrating.Load()
}

// BuildM3U renders the M3U playlist. Every channel with a resolved stream
// URL gets an #EXTINF entry pointing at this server's per-channel HLS
// endpoint; capture channels are included too since the capture pipeline
// makes them playable without a resolved URL. Channels still waiting on
// resolution are left out entirely.
//
// Returns:
//   - string: complete M3U document
func (b *Builder) BuildM3U() string {
	var playlist strings.Builder
	playlist.WriteString("#EXTM3U\n")

	base := strings.TrimSuffix(b.cfg.BaseURL, "/")
	count := 0

	for _, ch := range b.reg.Snapshot() {
		ch.Mu.RLock()
		playable := ch.StreamURL != "" || ch.StreamMode == types.ModeCapture
		id := ch.ID
		title := ch.Title
		category := ch.Category
		ch.Mu.RUnlock()

		if !playable {
			continue
		}

		// Write EXTINF metadata
		playlist.WriteString("#EXTINF:-1")
		playlist.WriteString(fmt.Sprintf(" tvg-id=\"%s\"", id))
		playlist.WriteString(fmt.Sprintf(" tvg-name=\"%s\"", utils.SanitizeChannelName(title)))
		if category != "" {
			playlist.WriteString(fmt.Sprintf(" group-title=\"%s\"", attrValue(category)))
		}
		playlist.WriteString(fmt.Sprintf(",%s\n", displayName(title)))
		playlist.WriteString(fmt.Sprintf("%s/hls/%s\n", base, id))
		count++
	}

	logger.Debug("{playlist/playlist - BuildM3U} generated playlist with %d channels", count)
	return playlist.String()
}

// ServePlaylist handles GET /playlist.m3u8. While a rebuild pass is
// hydrating channels the response is 503 so players retry later instead of
// caching an incomplete list; otherwise the cached document is served when
// available and rebuilt on a miss.
func (b *Builder) ServePlaylist(w http.ResponseWriter, r *http.Request) {
	if b.hydrating.Load() {
		metrics.DocumentRequests.WithLabelValues("playlist", "not_ready").Inc()
		http.Error(w, "playlist not ready", http.StatusServiceUnavailable)
		return
	}

	// Serve cached playlist if available
	if b.cfg.CacheEnabled {
		if cached, ok := b.docs.GetPlaylist(); ok {
			metrics.DocumentRequests.WithLabelValues("playlist", "cached").Inc()
			writeM3U(w, cached)
			return
		}
	}

	result := b.BuildM3U()
	if b.cfg.CacheEnabled {
		b.docs.SetPlaylist(result)
	}
	metrics.DocumentRequests.WithLabelValues("playlist", "built").Inc()
	writeM3U(w, result)
}

func writeM3U(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/x-mpegURL")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(body))
}

// attrValue makes a string safe for a double-quoted M3U attribute. Embedded
// quotes confuse most player parsers, so they are folded to apostrophes.
func attrValue(v string) string {
	return strings.ReplaceAll(v, "\"", "'")
}

// displayName cleans a channel title for the text after the EXTINF comma,
// which runs to the end of the line.
func displayName(title string) string {
	title = strings.ReplaceAll(title, "\r", " ")
	title = strings.ReplaceAll(title, "\n", " ")
	return strings.TrimSpace(title)
}
