package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eribbey/redcarrd/work/client"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
	"github.com/eribbey/redcarrd/work/types"
)

const (
	mimeHLS  = "application/vnd.apple.mpegurl"
	mimeDASH = "application/dash+xml"

	// manifestFetchTimeout bounds a single upstream manifest fetch on the
	// request path. Segment relaying is left unbounded; players hold those
	// connections open on purpose.
	manifestFetchTimeout = 15 * time.Second
)

// ServeManifest serves a channel's root manifest according to its mode:
// direct channels get the upstream manifest rewritten through the proxy
// endpoint, every other mode gets the local job manifest rewritten to the
// local endpoint. Missing channels are 404, unresolved or still-spawning
// streams are 503, upstream failures are 502.
func (rl *Relay) ServeManifest(w http.ResponseWriter, r *http.Request, channelID string) {
	crw := client.NewCustomResponseWriter(w)
	defer func() {
		metrics.ProxyRequests.WithLabelValues("manifest", statusClass(crw.StatusCode())).Inc()
	}()

	ch, ok := rl.reg.Get(channelID)
	if !ok {
		http.Error(crw, "channel not found", http.StatusNotFound)
		return
	}

	ch.Mu.RLock()
	mode := ch.StreamMode
	kind := ch.StreamKind
	ch.Mu.RUnlock()

	if mode == types.ModeDirect {
		rl.serveDirectManifest(crw, r, ch, kind)
		return
	}
	rl.serveJobManifest(crw, r, ch)
}

// serveDirectManifest relays the upstream manifest for a direct channel,
// rewriting every reference through this channel's proxy endpoint.
func (rl *Relay) serveDirectManifest(w http.ResponseWriter, r *http.Request, ch *types.Channel, kind types.StreamKind) {
	streamURL := ch.ActiveStreamURL()
	if streamURL == "" {
		http.Error(w, "stream not resolved yet", http.StatusServiceUnavailable)
		return
	}

	base := rl.channelBase(ch.ID)

	// Progressive sources have no manifest to rewrite; send the player
	// straight to the relay endpoint.
	if kind == types.KindProgressive {
		http.Redirect(w, r, base+"/proxy?url="+url.QueryEscape(streamURL), http.StatusFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), manifestFetchTimeout)
	defer cancel()

	content, err := rl.readManifest(ctx, ch, streamURL)
	if err != nil {
		logger.Warn("{relay/handlers - ServeManifest} upstream manifest fetch failed for %s: %v", ch.ID, err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}

	if kind == types.KindDASH {
		// DASH manifests are XML; the line-based rewrite does not apply.
		w.Header().Set("Content-Type", mimeDASH)
		io.WriteString(w, content)
		return
	}

	w.Header().Set("Content-Type", mimeHLS)
	io.WriteString(w, RewriteManifest(content, streamURL, base))
}

// serveJobManifest ensures the channel's job pipeline and serves its local
// manifest with references rewritten to the local endpoint.
func (rl *Relay) serveJobManifest(w http.ResponseWriter, r *http.Request, ch *types.Channel) {
	// Job creation is detached from the request: the first viewer hanging
	// up must not cancel a spawn later viewers are waiting on. The timeout
	// caps slot wait plus spawn plus the manifest wait.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()),
		rl.cfg.ManifestTimeout+rl.cfg.DetectionTimeout+15*time.Second)
	defer cancel()

	job, err := rl.jobs.EnsureJob(ctx, ch)
	if err != nil {
		logger.Warn("{relay/handlers - ServeManifest} job for %s unavailable: %v", ch.ID, err)
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	if job == nil {
		// The channel flipped to direct mode between the snapshot and the
		// ensure; the client's retry lands on the direct path.
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	content, err := os.ReadFile(job.ManifestPath)
	if err != nil || len(content) == 0 {
		http.Error(w, "manifest not ready", http.StatusServiceUnavailable)
		return
	}
	job.Touch()

	w.Header().Set("Content-Type", mimeHLS)
	io.WriteString(w, RewriteLocalManifest(string(content), rl.channelBase(ch.ID)))
}

// ServeProxy relays one upstream URL for a direct channel. Nested variant
// playlists are rewritten so the player never steps off the relay; anything
// else streams through with the upstream content type.
func (rl *Relay) ServeProxy(w http.ResponseWriter, r *http.Request, channelID string) {
	crw := client.NewCustomResponseWriter(w)
	defer func() {
		metrics.ProxyRequests.WithLabelValues("proxy", statusClass(crw.StatusCode())).Inc()
	}()

	ch, ok := rl.reg.Get(channelID)
	if !ok {
		http.Error(crw, "channel not found", http.StatusNotFound)
		return
	}

	ch.Mu.RLock()
	mode := ch.StreamMode
	ch.Mu.RUnlock()
	if mode != types.ModeDirect {
		// Non-direct channels serve local job output only.
		http.Error(crw, "not found", http.StatusNotFound)
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(crw, "missing url parameter", http.StatusBadRequest)
		return
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		http.Error(crw, "invalid url parameter", http.StatusBadRequest)
		return
	}

	resp, err := rl.FetchStream(r.Context(), ch, target)
	if err != nil {
		logger.Warn("{relay/handlers - ServeProxy} fetch failed for %s: %v", ch.ID, err)
		http.Error(crw, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if isManifestResponse(parsed.Path, resp.Header.Get("Content-Type")) {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
		if err != nil {
			http.Error(crw, "upstream fetch failed", http.StatusBadGateway)
			return
		}
		metrics.UpstreamBytes.Add(float64(len(body)))
		crw.Header().Set("Content-Type", mimeHLS)
		io.WriteString(crw, RewriteManifest(string(body), target, rl.channelBase(ch.ID)))
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		crw.Header().Set("Content-Type", ct)
	}
	if _, err := rl.relayBody(crw, resp.Body); err != nil {
		logger.Debug("{relay/handlers - ServeProxy} relay ended early for %s: %v", ch.ID, err)
	}
}

// ServeLocal serves one file out of a channel's job directory: segments as
// produced by the transcoder, nested playlists rewritten to stay on the
// local endpoint. The segment name is verified to resolve inside the job
// directory before anything is opened.
func (rl *Relay) ServeLocal(w http.ResponseWriter, r *http.Request, channelID, segment string) {
	crw := client.NewCustomResponseWriter(w)
	defer func() {
		metrics.ProxyRequests.WithLabelValues("local", statusClass(crw.StatusCode())).Inc()
	}()

	job, ok := rl.jobs.Get(channelID)
	if !ok {
		http.Error(crw, "no active stream", http.StatusNotFound)
		return
	}

	name := filepath.Clean(segment)
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		http.Error(crw, "not found", http.StatusNotFound)
		return
	}
	full := filepath.Join(job.Dir, name)
	if !strings.HasPrefix(full, job.Dir+string(os.PathSeparator)) {
		http.Error(crw, "not found", http.StatusNotFound)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		http.Error(crw, "segment not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	job.Touch()

	if strings.HasSuffix(name, ".m3u8") {
		content, err := io.ReadAll(io.LimitReader(f, maxManifestBytes))
		if err != nil {
			http.Error(crw, "manifest not ready", http.StatusServiceUnavailable)
			return
		}
		crw.Header().Set("Content-Type", mimeHLS)
		io.WriteString(crw, RewriteLocalManifest(string(content), rl.channelBase(channelID)))
		return
	}

	crw.Header().Set("Content-Type", segmentContentType(name))
	buf := rl.buffers.Get()
	defer rl.buffers.Put(buf)
	if _, err := io.CopyBuffer(crw, f, buf.B); err != nil {
		logger.Debug("{relay/handlers - ServeLocal} segment send ended early for %s: %v", channelID, err)
	}
}

// channelBase is the public base URL for one channel's HLS endpoints.
func (rl *Relay) channelBase(channelID string) string {
	return strings.TrimSuffix(rl.cfg.BaseURL, "/") + "/hls/" + channelID
}

// statusClass folds an HTTP status into its class label (2xx, 4xx, 5xx).
// A writer that never saw WriteHeader means an implicit 200.
func statusClass(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	return fmt.Sprintf("%dxx", code/100)
}

// isManifestResponse reports whether a proxied response is an HLS playlist
// needing rewrite rather than an opaque segment.
func isManifestResponse(path, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "mpegurl") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(path), ".m3u8")
}

// segmentContentType maps job-directory file extensions to their media
// types.
func segmentContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ts":
		return "video/mp2t"
	case ".m4s":
		return "video/iso.segment"
	case ".mp4":
		return "video/mp4"
	case ".vtt":
		return "text/vtt"
	default:
		return "application/octet-stream"
	}
}
