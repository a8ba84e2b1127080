package relay

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/types"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

// maxManifestBytes bounds how much of an upstream playlist is read into
// memory. Real master playlists are a few KB; anything near this limit is
// not a playlist.
const maxManifestBytes = 2 << 20

// streamInfAttrs matches KEY=VALUE pairs in a #EXT-X-STREAM-INF attribute
// list, handling both bare values and quoted strings containing commas.
var streamInfAttrs = regexp.MustCompile(`([A-Z-]+)=("[^"]*"|[^,]+)`)

// FetchQualityOptions resolves the variant list of a direct-mode HLS
// channel. When the channel's stream URL points at a master playlist the
// variants are parsed into selectable quality options, sorted highest
// bandwidth first. Media playlists and non-HLS channels yield no options.
//
// Parameters:
//   - ctx: cancellation context
//   - ch: channel whose resolved stream to inspect
//
// Returns:
//   - []types.QualityOption: variants, nil when the stream has none
//   - error: upstream fetch failure
func (rl *Relay) FetchQualityOptions(ctx context.Context, ch *types.Channel) ([]types.QualityOption, error) {
	streamURL, kind := ch.StreamSnapshot()
	if streamURL == "" || kind != types.KindHLS {
		return nil, nil
	}

	content, err := rl.readManifest(ctx, ch, streamURL)
	if err != nil {
		return nil, err
	}

	if !strings.Contains(content, "#EXT-X-STREAM-INF") {
		logger.Debug("{relay/master - FetchQualityOptions} media playlist for %s, no variants", ch.ID)
		return nil, nil
	}

	opts := parseMasterVariants(content, streamURL)
	logger.Debug("{relay/master - FetchQualityOptions} found %d variants for %s", len(opts), ch.ID)
	return opts, nil
}

// parseMasterVariants extracts quality options from master playlist text.
// The grafov decoder handles spec-conformant playlists; live-event CDNs
// emit enough almost-valid M3U8 that a line-based fallback stays behind it.
func parseMasterVariants(content, baseURL string) []types.QualityOption {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(strings.NewReader(content)), true)
	if err == nil && listType == m3u8.MASTER {
		master := playlist.(*m3u8.MasterPlaylist)

		var opts []types.QualityOption
		for _, v := range master.Variants {
			if v == nil || v.Iframe {
				continue
			}
			opts = append(opts, types.QualityOption{
				Label:      variantLabel(v.Resolution, v.Bandwidth),
				URL:        resolveVariantURL(baseURL, v.URI),
				Bandwidth:  v.Bandwidth,
				Resolution: v.Resolution,
			})
		}
		if len(opts) > 0 {
			sortByBandwidth(opts)
			return opts
		}
	}

	if err != nil {
		logger.Debug("{relay/master - parseMasterVariants} decoder rejected playlist (%v), using fallback parser", err)
	}
	return parseMasterFallback(content, baseURL)
}

// parseMasterFallback scans the playlist line by line, pairing each
// #EXT-X-STREAM-INF directive with the URI on the following non-directive
// line. Malformed entries are skipped, never fatal.
func parseMasterFallback(content, baseURL string) []types.QualityOption {
	var opts []types.QualityOption
	var pending *types.QualityOption

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseStreamInfAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			opt := types.QualityOption{Resolution: attrs["RESOLUTION"]}
			if bw, err := strconv.ParseUint(attrs["BANDWIDTH"], 10, 32); err == nil {
				opt.Bandwidth = uint32(bw)
			}
			pending = &opt

		case pending != nil && line != "" && !strings.HasPrefix(line, "#"):
			pending.URL = resolveVariantURL(baseURL, line)
			pending.Label = variantLabel(pending.Resolution, pending.Bandwidth)
			opts = append(opts, *pending)
			pending = nil
		}
	}

	sortByBandwidth(opts)
	return opts
}

// parseStreamInfAttributes splits a #EXT-X-STREAM-INF attribute list into
// a key/value map, stripping quotes from quoted values.
func parseStreamInfAttributes(params string) map[string]string {
	attrs := make(map[string]string)
	for _, match := range streamInfAttrs.FindAllStringSubmatch(params, -1) {
		if len(match) >= 3 {
			attrs[match[1]] = strings.Trim(match[2], "\"")
		}
	}
	return attrs
}

// variantLabel names a variant for operator selection: resolution when the
// playlist carries one, bandwidth otherwise.
func variantLabel(resolution string, bandwidth uint32) string {
	if resolution != "" {
		return resolution
	}
	if bandwidth > 0 {
		return fmt.Sprintf("%d kbps", bandwidth/1000)
	}
	return "unknown"
}

// resolveVariantURL makes a variant URI absolute against the master
// playlist's URL. Unparseable input passes through unchanged.
func resolveVariantURL(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}

func sortByBandwidth(opts []types.QualityOption) {
	sort.SliceStable(opts, func(i, j int) bool {
		return opts[i].Bandwidth > opts[j].Bandwidth
	})
}
