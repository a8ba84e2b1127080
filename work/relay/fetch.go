// Package relay serves the HLS delivery surface: per-channel root
// manifests, upstream proxying for direct channels, and local job output
// for transcoded and captured ones. Upstream fetches carry the channel's
// header and cookie state and fold Set-Cookie responses back into the
// registry so CDN session churn never strands a client mid-stream.
package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/eribbey/redcarrd/work/buffer"
	"github.com/eribbey/redcarrd/work/client"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/jobs"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
	"github.com/eribbey/redcarrd/work/registry"
	"github.com/eribbey/redcarrd/work/types"
	"github.com/eribbey/redcarrd/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// copyBufferSize is the slice size used when relaying segment bytes.
const copyBufferSize = 64 * 1024

// Relay coordinates everything between a client's HLS request and the
// bytes that answer it. It reads channel state from the registry, asks the
// job manager for local pipelines, and rate limits upstream fetches per
// channel so a misbehaving player cannot hammer a CDN through us.
type Relay struct {
	cfg      *config.Config
	reg      *registry.Registry
	client   *client.HeaderSettingClient
	jobs     *jobs.Manager
	buffers  *buffer.BufferPool
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// New creates the relay over the shared HTTP client, registry and job
// manager.
//
// Parameters:
//   - cfg: application configuration
//   - reg: channel registry (single writer of channel state)
//   - hc: header-setting upstream client
//   - jm: job manager for transmux/restream/capture channels
//
// Returns:
//   - *Relay: relay ready to serve requests
func New(cfg *config.Config, reg *registry.Registry, hc *client.HeaderSettingClient, jm *jobs.Manager) *Relay {
	return &Relay{
		cfg:      cfg,
		reg:      reg,
		client:   hc,
		jobs:     jm,
		buffers:  buffer.NewBufferPool(copyBufferSize),
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// limiter returns the channel's upstream rate limiter, creating it on first
// use. UpstreamRPS <= 0 disables pacing for that channel.
func (rl *Relay) limiter(channelID string) ratelimit.Limiter {
	lim, _ := rl.limiters.LoadOrCompute(channelID, func() ratelimit.Limiter {
		if rl.cfg.UpstreamRPS <= 0 {
			return ratelimit.NewUnlimited()
		}
		return ratelimit.New(rl.cfg.UpstreamRPS)
	})
	return lim
}

// FetchStream performs an upstream GET on the channel's behalf, carrying
// its header and cookie state. Set-Cookie headers on the response are
// folded back into the channel's cookie set through the registry before
// the caller sees the body, so the very next fetch already carries them.
//
// Parameters:
//   - ctx: cancellation context
//   - ch: channel whose identity the request carries
//   - targetURL: absolute upstream URL
//
// Returns:
//   - *http.Response: open response, caller closes the body
//   - error: wraps types.ErrUpstreamFetchFailed on transport errors and
//     upstream statuses >= 400
func (rl *Relay) FetchStream(ctx context.Context, ch *types.Channel, targetURL string) (*http.Response, error) {
	rl.limiter(ch.ID).Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstreamFetchFailed, err)
	}

	resp, err := rl.client.DoFor(req, ch.HeaderSnapshot(), ch.CookieSnapshot())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstreamFetchFailed, err)
	}

	if setCookies := resp.Cookies(); len(setCookies) > 0 {
		folded := make([]types.Cookie, 0, len(setCookies))
		for _, c := range setCookies {
			folded = append(folded, types.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
		}
		rl.reg.MergeCookies(ch.ID, folded)
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: upstream returned %d for %s", types.ErrUpstreamFetchFailed, resp.StatusCode, utils.LogURL(rl.cfg, targetURL))
	}

	return resp, nil
}

// relayBody streams an upstream body to the client through a pooled copy
// buffer and counts the bytes moved.
func (rl *Relay) relayBody(w io.Writer, body io.Reader) (int64, error) {
	buf := rl.buffers.Get()
	defer rl.buffers.Put(buf)

	n, err := io.CopyBuffer(w, body, buf.B)
	if n > 0 {
		metrics.UpstreamBytes.Add(float64(n))
	}
	return n, err
}

// readManifest fetches an upstream manifest and returns its text, bounded
// so a mislabeled media URL cannot balloon memory.
func (rl *Relay) readManifest(ctx context.Context, ch *types.Channel, targetURL string) (string, error) {
	resp, err := rl.FetchStream(ctx, ch, targetURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading manifest: %v", types.ErrUpstreamFetchFailed, err)
	}
	metrics.UpstreamBytes.Add(float64(len(body)))

	logger.Debug("{relay/fetch - readManifest} fetched %d manifest bytes for %s from %s", len(body), ch.ID, utils.LogURL(rl.cfg, targetURL))
	return string(body), nil
}
