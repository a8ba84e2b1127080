package relay

import (
	"net/url"
	"strings"
)

// RewriteManifest rewrites every media reference in an HLS manifest so
// clients fetch through the proxy endpoint instead of the upstream host.
// Directive lines (starting with #) and blank lines pass through untouched;
// every other line is resolved absolute against sourceURL and replaced with
// proxyBase + "/proxy?url=" + the encoded absolute URL.
//
// Running the rewrite twice is safe: lines already pointing at the proxy
// endpoint are left alone.
//
// Parameters:
//   - text: raw manifest content
//   - sourceURL: absolute URL the manifest was fetched from, used to resolve
//     relative references
//   - proxyBase: public base for this channel (e.g. http://host/hls/abc123)
//
// Returns:
//   - string: rewritten manifest
func RewriteManifest(text, sourceURL, proxyBase string) string {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return text
	}
	prefix := strings.TrimSuffix(proxyBase, "/") + "/proxy?url="

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		ref := strings.TrimSpace(line)
		if ref == "" || strings.HasPrefix(ref, "#") {
			continue
		}
		if strings.HasPrefix(ref, prefix) {
			continue
		}
		parsed, err := url.Parse(ref)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(parsed)
		lines[i] = prefix + url.QueryEscape(abs.String())
	}
	return strings.Join(lines, "\n")
}

// RewriteLocalManifest rewrites segment references in a transcoder-produced
// manifest to the channel's local delivery endpoint. Local manifests only
// ever reference sibling files, so names are path-escaped and prefixed with
// proxyBase + "/local/" without any absolute resolution.
//
// Parameters:
//   - text: raw manifest content from the job directory
//   - proxyBase: public base for this channel (e.g. http://host/hls/abc123)
//
// Returns:
//   - string: rewritten manifest
func RewriteLocalManifest(text, proxyBase string) string {
	prefix := strings.TrimSuffix(proxyBase, "/") + "/local/"

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		ref := strings.TrimSpace(line)
		if ref == "" || strings.HasPrefix(ref, "#") {
			continue
		}
		if strings.HasPrefix(ref, prefix) {
			continue
		}
		lines[i] = prefix + url.PathEscape(ref)
	}
	return strings.Join(lines, "\n")
}
