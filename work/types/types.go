package types

import (
	"context"
	"strings"
	"sync"
	"time"
)

// StreamKind classifies a detected media URL so downstream components can
// select the correct demuxing and proxying strategy. The kind drives the
// transcoder argument builder (HLS and DASH inputs need different protocol
// allowlisting) and candidate ranking during detection (progressive files
// are a last resort).
type StreamKind int

// Stream kind constants for detected media URLs.
const (
	KindHLS         StreamKind = iota // HTTP Live Streaming manifest (.m3u8)
	KindDASH                          // MPEG-DASH manifest (.mpd)
	KindProgressive                   // Plain progressive file (mp4/webm/...)
)

// String returns the wire name used in logs and admin responses.
func (k StreamKind) String() string {
	switch k {
	case KindHLS:
		return "hls"
	case KindDASH:
		return "dash"
	case KindProgressive:
		return "progressive"
	default:
		return "unknown"
	}
}

// StreamMode selects how a channel's stream is delivered to clients.
// Direct mode proxies upstream manifests/segments through the rewriter,
// transmux and restream run a transcoder against the resolved URL, and
// capture renders the embed in a headless browser and encodes its output.
type StreamMode int

// Stream mode constants, ordered from cheapest to most expensive.
const (
	ModeDirect   StreamMode = iota // rewrite + relay upstream HLS
	ModeTransmux                   // transcoder, codec copy, local HLS output
	ModeRestream                   // transcoder, re-encode, local HLS output
	ModeCapture                    // browser capture piped into transcoder
)

// String returns the config/admin name for the mode.
func (m StreamMode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeTransmux:
		return "transmux"
	case ModeRestream:
		return "restream"
	case ModeCapture:
		return "capture"
	default:
		return "unknown"
	}
}

// ParseStreamMode maps a config string to a StreamMode, defaulting to
// direct for unknown values.
func ParseStreamMode(s string) StreamMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transmux":
		return ModeTransmux
	case "restream":
		return ModeRestream
	case "capture":
		return ModeCapture
	default:
		return ModeDirect
	}
}

// Cookie is one upstream session cookie carried on a channel. Cookies are
// kept in insertion order; merges are last-write-wins per name and the set
// is bounded, evicting the oldest entry when full.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// MergeCookies folds incoming cookies into an existing ordered set.
// An incoming cookie whose name already exists replaces that entry's value
// in place (the original insertion position is kept); new names append.
// When the merged set exceeds max, the oldest entries are evicted from the
// front. max <= 0 means unbounded.
func MergeCookies(existing, incoming []Cookie, max int) []Cookie {
	out := make([]Cookie, len(existing))
	copy(out, existing)

	for _, in := range incoming {
		replaced := false
		for i := range out {
			if out[i].Name == in.Name {
				out[i] = in
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, in)
		}
	}

	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// SourceOption is one alternate embed for the same event, selectable by an
// operator when the primary embed is dead or blocked.
type SourceOption struct {
	Label    string `json:"label"`
	EmbedURL string `json:"embedUrl"`
}

// QualityOption is one variant of a resolved HLS master playlist,
// selectable by an operator to pin a specific rendition.
type QualityOption struct {
	Label      string `json:"label"`
	URL        string `json:"url"`
	Bandwidth  uint32 `json:"bandwidth,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Event is the external rebuild input describing one live event discovered
// on the upstream site. Events are immutable; the reconciler converts them
// into channels.
type Event struct {
	Title          string
	Category       string
	EmbedURL       string
	SourceOptions  []SourceOption
	QualityOptions []QualityOption
	StartTime      time.Time
}

// Channel is one logical IPTV channel derived from an event. Identity is
// content-derived (see registry.ChannelID) so the same event keeps the same
// id across rebuilds regardless of ordering.
//
// The registry is the single writer of channel state. Components that
// resolve streams or fold back cookies go through registry methods rather
// than mutating fields directly; readers take Mu.RLock or use the snapshot
// helpers below.
type Channel struct {
	ID              string
	Category        string
	Title           string
	EmbedURL        string
	StreamURL       string
	StreamMIME      string
	StreamKind      StreamKind
	StreamMode      StreamMode
	RequestHeaders  map[string]string
	Cookies         []Cookie
	SourceOptions   []SourceOption
	QualityOptions  []QualityOption
	SelectedSource  int
	SelectedQuality int
	StartTime       time.Time
	ExpiresAt       time.Time
	ResolvedAt      time.Time
	LastError       string

	Mu sync.RWMutex
}

// ActiveEmbedURL returns the embed currently in effect: the operator's
// selected source option when set, the event embed otherwise.
func (c *Channel) ActiveEmbedURL() string {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	if c.SelectedSource > 0 && c.SelectedSource <= len(c.SourceOptions) {
		return c.SourceOptions[c.SelectedSource-1].EmbedURL
	}
	return c.EmbedURL
}

// ActiveStreamURL returns the media URL to serve: the operator's pinned
// quality variant when set, the resolved stream URL otherwise.
func (c *Channel) ActiveStreamURL() string {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	if c.SelectedQuality > 0 && c.SelectedQuality <= len(c.QualityOptions) {
		return c.QualityOptions[c.SelectedQuality-1].URL
	}
	return c.StreamURL
}

// HeaderSnapshot returns a copy of the channel's request headers.
func (c *Channel) HeaderSnapshot() map[string]string {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	out := make(map[string]string, len(c.RequestHeaders))
	for k, v := range c.RequestHeaders {
		out[k] = v
	}
	return out
}

// CookieSnapshot returns a copy of the channel's cookie set in order.
func (c *Channel) CookieSnapshot() []Cookie {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	out := make([]Cookie, len(c.Cookies))
	copy(out, c.Cookies)
	return out
}

// StreamSnapshot returns the resolved stream URL and kind under one lock.
func (c *Channel) StreamSnapshot() (string, StreamKind) {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	return c.StreamURL, c.StreamKind
}

// StreamCandidate is one scored media URL produced during detection.
// Transient, scoped to a single detection attempt.
type StreamCandidate struct {
	URL       string
	Kind      StreamKind
	Priority  int
	Player    string
	Timestamp time.Time
}

// JobState tracks a job's position in its lifecycle. Live jobs serve
// clients, stale jobs are awaiting eviction, evicting jobs are mid-teardown.
type JobState int32

// Job lifecycle states.
const (
	JobLive JobState = iota
	JobStale
	JobEvicting
)

// String returns the admin/log name of the state.
func (s JobState) String() string {
	switch s {
	case JobLive:
		return "live"
	case JobStale:
		return "stale"
	case JobEvicting:
		return "evicting"
	default:
		return "unknown"
	}
}

// Counts summarizes one reconcile pass over the registry.
type Counts struct {
	Total   int `json:"total"`
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

// EventProvider supplies the rebuild input. The page-scraping collaborator
// lives behind this interface; the core only consumes the event list.
type EventProvider interface {
	Events(ctx context.Context) ([]Event, error)
}
