package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/database"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
	"github.com/eribbey/redcarrd/work/types"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry owns the channel set. It is the single writer of channel state:
// the reconciler mutates it on rebuild passes, operator selections go
// through SelectSource/SelectQuality, and resolution results come back via
// SetResolved/ResetStream/MergeCookies. Everything else reads.
//
// Channel identity is content-derived (see ChannelID), so the same live
// event keeps the same id across rebuild passes regardless of how the
// upstream site reorders its listings. This is what keeps running jobs and
// client bookmarks alive between rebuilds.
type Registry struct {
	cfg      *config.Config
	db       *database.DB
	channels *xsync.MapOf[string, *types.Channel]

	// mu gates reconcile passes against whole-set readers: a pass holds the
	// write lock only for its in-memory apply phase, so Snapshot never sees
	// a half-applied rebuild. Single-channel lookups bypass it.
	mu sync.RWMutex

	hookMu     sync.RWMutex
	evictHooks []func(channelID string)
}

// New creates an empty Registry. The database handle is optional; when nil,
// operator preferences simply do not persist.
func New(cfg *config.Config, db *database.DB) *Registry {
	return &Registry{
		cfg:      cfg,
		db:       db,
		channels: xsync.NewMapOf[string, *types.Channel](),
	}
}

// ChannelID computes the stable channel id for an event: the hex form of
// xxhash64 over title, start time and embed URL. Deterministic and
// independent of event ordering or category bucket position, so an event
// keeps its id across rebuilds even as other events appear and disappear.
func ChannelID(title string, startTime time.Time, embedURL string) string {
	h := xxhash.New()
	h.WriteString(title)
	h.WriteString("|")
	h.WriteString(startTime.UTC().Format(time.RFC3339))
	h.WriteString("|")
	h.WriteString(embedURL)
	return fmt.Sprintf("%016x", h.Sum64())
}

// OnEvict registers a hook invoked once per removed channel id. Job
// managers register here so a channel leaving the registry tears down its
// running job. Hooks run outside registry locks and may block.
func (r *Registry) OnEvict(hook func(channelID string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.evictHooks = append(r.evictHooks, hook)
}

func (r *Registry) fireEvict(channelID string) {
	r.hookMu.RLock()
	hooks := make([]func(string), len(r.evictHooks))
	copy(hooks, r.evictHooks)
	r.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(channelID)
	}
}

// Reconcile diffs one rebuild's event list against the registered channel
// set and applies the difference.
//
// Process:
//   - Events are filtered by category first (empty filter keeps all).
//   - Each surviving event maps to its stable id. Existing ids are updated
//     in place, preserving cookies and resolved stream state unless the
//     embed URL changed (which invalidates both and forces re-resolution).
//     New ids are inserted with default request headers and any persisted
//     operator preferences re-applied.
//   - Afterwards, ids absent from this pass or past their expiry are
//     removed and the eviction hooks fire for each.
//
// The apply phase is atomic with respect to Snapshot: a concurrent playlist
// render sees the channel set before or after the pass, never mid-pass.
//
// Returns the pass counts {Total, Added, Updated, Removed}.
func (r *Registry) Reconcile(events []types.Event, categoryFilter []string) types.Counts {
	var allowed map[string]bool
	if len(categoryFilter) > 0 {
		allowed = make(map[string]bool, len(categoryFilter))
		for _, c := range categoryFilter {
			allowed[strings.ToLower(strings.TrimSpace(c))] = true
		}
	}

	// Load persisted operator preferences once per pass; inserts re-apply
	// them so selections survive restarts.
	var prefs map[string]*database.ChannelPrefRow
	if r.db != nil {
		var err error
		prefs, err = r.db.LoadAllPrefs()
		if err != nil {
			logger.Warn("{registry/channels - Reconcile} failed to load channel prefs: %v", err)
		}
	}

	now := time.Now()
	counts := types.Counts{}
	seen := make(map[string]bool, len(events))
	var removed []string

	r.mu.Lock()

	for i := range events {
		ev := &events[i]
		if allowed != nil && !allowed[strings.ToLower(ev.Category)] {
			continue
		}

		id := ChannelID(ev.Title, ev.StartTime, ev.EmbedURL)
		if seen[id] {
			continue
		}
		seen[id] = true

		if ch, ok := r.channels.Load(id); ok {
			r.updateChannel(ch, ev)
			counts.Updated++
		} else {
			r.channels.Store(id, r.newChannel(id, ev, prefs[id], now))
			counts.Added++
		}
	}

	r.channels.Range(func(id string, ch *types.Channel) bool {
		ch.Mu.RLock()
		expired := !ch.ExpiresAt.IsZero() && now.After(ch.ExpiresAt)
		ch.Mu.RUnlock()

		if !seen[id] || expired {
			r.channels.Delete(id)
			removed = append(removed, id)
		}
		return true
	})

	counts.Removed = len(removed)
	counts.Total = r.channels.Size()

	r.mu.Unlock()

	// Hooks tear down jobs and may block on process kills; never under the
	// registry lock.
	for _, id := range removed {
		r.fireEvict(id)
	}

	metrics.ChannelsRegistered.Set(float64(counts.Total))
	metrics.ReconcileOps.WithLabelValues("added").Add(float64(counts.Added))
	metrics.ReconcileOps.WithLabelValues("updated").Add(float64(counts.Updated))
	metrics.ReconcileOps.WithLabelValues("removed").Add(float64(counts.Removed))

	logger.Info("{registry/channels - Reconcile} pass complete: total=%d added=%d updated=%d removed=%d",
		counts.Total, counts.Added, counts.Updated, counts.Removed)

	return counts
}

// updateChannel refreshes an existing channel from this pass's event.
// Title, start time and embed URL are id inputs so they normally match; the
// embed check stays because an embed change must never carry stale stream
// state or cookies forward.
func (r *Registry) updateChannel(ch *types.Channel, ev *types.Event) {
	ch.Mu.Lock()
	defer ch.Mu.Unlock()

	ch.Category = ev.Category
	ch.SourceOptions = ev.SourceOptions
	if len(ev.QualityOptions) > 0 {
		ch.QualityOptions = ev.QualityOptions
	}

	if ch.EmbedURL != ev.EmbedURL {
		logger.Debug("{registry/channels - updateChannel} embed changed for %s, resetting stream state", ch.ID)
		ch.EmbedURL = ev.EmbedURL
		ch.StreamURL = ""
		ch.StreamMIME = ""
		ch.StreamKind = types.KindHLS
		ch.Cookies = nil
		ch.ResolvedAt = time.Time{}
		ch.LastError = ""
	}

	if ch.SelectedSource > len(ch.SourceOptions) {
		ch.SelectedSource = 0
	}
}

// newChannel builds a channel for an unseen event id, inheriting the
// default request header set and re-applying persisted preferences.
func (r *Registry) newChannel(id string, ev *types.Event, pref *database.ChannelPrefRow, now time.Time) *types.Channel {
	ch := &types.Channel{
		ID:             id,
		Category:       ev.Category,
		Title:          ev.Title,
		EmbedURL:       ev.EmbedURL,
		StreamMode:     types.ParseStreamMode(r.cfg.DefaultStreamMode),
		RequestHeaders: defaultHeaders(r.cfg, ev.EmbedURL),
		SourceOptions:  ev.SourceOptions,
		QualityOptions: ev.QualityOptions,
		StartTime:      ev.StartTime,
	}

	if ev.StartTime.IsZero() {
		ch.ExpiresAt = now.Add(r.cfg.ChannelLifetime)
	} else {
		ch.ExpiresAt = ev.StartTime.Add(r.cfg.ChannelLifetime)
	}

	if pref != nil {
		if pref.SelectedSource > 0 && pref.SelectedSource <= len(ch.SourceOptions) {
			ch.SelectedSource = pref.SelectedSource
		}
		if pref.SelectedQuality > 0 {
			ch.SelectedQuality = pref.SelectedQuality
		}
	}

	logger.Debug("{registry/channels - newChannel} registered %s (%s / %s)", id, ev.Category, ev.Title)
	return ch
}

// defaultHeaders builds the upstream request header set for an embed:
// User-Agent from config, Referer pointing at the embed page, Origin at its
// site. Upstream CDNs gate segment fetches on these.
func defaultHeaders(cfg *config.Config, embedURL string) map[string]string {
	headers := map[string]string{
		"User-Agent": cfg.UserAgent,
		"Referer":    embedURL,
	}
	if u, err := url.Parse(embedURL); err == nil && u.Scheme != "" && u.Host != "" {
		headers["Origin"] = u.Scheme + "://" + u.Host
	}
	return headers
}

// Get returns the channel for an id.
func (r *Registry) Get(id string) (*types.Channel, bool) {
	return r.channels.Load(id)
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	return r.channels.Size()
}

// Snapshot returns the registered channels ordered by category, start time
// and title, the order playlists and the EPG render in. The slice is a
// stable copy; the channels themselves are shared and must be read under
// their own lock.
func (r *Registry) Snapshot() []*types.Channel {
	r.mu.RLock()
	out := make([]*types.Channel, 0, r.channels.Size())
	r.channels.Range(func(_ string, ch *types.Channel) bool {
		out = append(out, ch)
		return true
	})
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// SetResolved records a successful stream resolution for a channel.
func (r *Registry) SetResolved(id, streamURL, mimeType string, kind types.StreamKind) {
	ch, ok := r.channels.Load(id)
	if !ok {
		return
	}
	ch.Mu.Lock()
	ch.StreamURL = streamURL
	ch.StreamMIME = mimeType
	ch.StreamKind = kind
	ch.ResolvedAt = time.Now()
	ch.LastError = ""
	ch.Mu.Unlock()

	logger.Debug("{registry/channels - SetResolved} %s resolved to %s stream", id, kind)
}

// SetQualityOptions records the variant list parsed from a channel's master
// playlist. An out-of-range pinned quality is reset rather than pointing at
// a variant that no longer exists.
func (r *Registry) SetQualityOptions(id string, opts []types.QualityOption) {
	ch, ok := r.channels.Load(id)
	if !ok {
		return
	}
	ch.Mu.Lock()
	ch.QualityOptions = opts
	if ch.SelectedQuality > len(opts) {
		ch.SelectedQuality = 0
	}
	ch.Mu.Unlock()
}

// SetRequestHeader sets one upstream request header on a channel. The
// challenge path uses this to bind the solver's user agent to the clearance
// cookies it returned.
func (r *Registry) SetRequestHeader(id, key, value string) {
	ch, ok := r.channels.Load(id)
	if !ok {
		return
	}
	ch.Mu.Lock()
	if ch.RequestHeaders == nil {
		ch.RequestHeaders = make(map[string]string)
	}
	ch.RequestHeaders[key] = value
	ch.Mu.Unlock()
}

// SetStreamMode switches how a channel is delivered. Used by the capture
// fallback when detection exhausts its attempts, and by the admin surface.
func (r *Registry) SetStreamMode(id string, mode types.StreamMode) {
	ch, ok := r.channels.Load(id)
	if !ok {
		return
	}
	ch.Mu.Lock()
	changed := ch.StreamMode != mode
	ch.StreamMode = mode
	ch.Mu.Unlock()

	if changed {
		logger.Info("{registry/channels - SetStreamMode} %s now delivered via %s", id, mode)
	}
}

// SetError records a per-channel failure message for the admin surface.
func (r *Registry) SetError(id, message string) {
	ch, ok := r.channels.Load(id)
	if !ok {
		return
	}
	ch.Mu.Lock()
	ch.LastError = message
	ch.Mu.Unlock()
}

// ResetStream clears a channel's resolved stream state and cookies, forcing
// the next hydration to run detection again.
func (r *Registry) ResetStream(id string) {
	ch, ok := r.channels.Load(id)
	if !ok {
		return
	}
	ch.Mu.Lock()
	ch.StreamURL = ""
	ch.StreamMIME = ""
	ch.StreamKind = types.KindHLS
	ch.Cookies = nil
	ch.ResolvedAt = time.Time{}
	ch.Mu.Unlock()
}

// MergeCookies folds upstream Set-Cookie results into a channel's cookie
// set: last write wins per name, insertion order kept, bounded by config
// with the oldest entries evicted on overflow. Merges commute by name, so
// concurrent fetchers folding back cookies converge regardless of order.
func (r *Registry) MergeCookies(id string, cookies []types.Cookie) {
	if len(cookies) == 0 {
		return
	}
	ch, ok := r.channels.Load(id)
	if !ok {
		return
	}
	ch.Mu.Lock()
	ch.Cookies = types.MergeCookies(ch.Cookies, cookies, r.cfg.MaxCookies)
	ch.Mu.Unlock()
}

// SelectSource switches a channel to one of its alternate embeds. Index 0
// restores the event's own embed; 1..n pick a source option. The switch
// resets resolved stream state and cookies, persists the preference and
// evicts the running job so the next access re-resolves the new embed.
func (r *Registry) SelectSource(id string, index int) error {
	ch, ok := r.channels.Load(id)
	if !ok {
		return fmt.Errorf("unknown channel %s", id)
	}

	ch.Mu.Lock()
	if index < 0 || index > len(ch.SourceOptions) {
		n := len(ch.SourceOptions)
		ch.Mu.Unlock()
		return fmt.Errorf("source index %d out of range (channel has %d options)", index, n)
	}
	ch.SelectedSource = index
	ch.StreamURL = ""
	ch.StreamMIME = ""
	ch.StreamKind = types.KindHLS
	ch.Cookies = nil
	ch.ResolvedAt = time.Time{}
	ch.LastError = ""
	ch.Mu.Unlock()

	if r.db != nil {
		// A row with both selections at default is equivalent to no row.
		ch.Mu.RLock()
		reset := index == 0 && ch.SelectedQuality == 0
		ch.Mu.RUnlock()
		var err error
		if reset {
			err = r.db.DeletePref(id)
		} else {
			err = r.db.SaveSelectedSource(id, index)
		}
		if err != nil {
			logger.Warn("{registry/channels - SelectSource} failed to persist selection for %s: %v", id, err)
		}
	}

	logger.Info("{registry/channels - SelectSource} %s switched to source %d", id, index)
	r.fireEvict(id)
	return nil
}

// SelectQuality pins a channel to one of its parsed quality variants.
// Index 0 serves the master playlist as resolved; 1..n pin a variant. The
// preference persists and the running job is evicted so transcoder modes
// pick up the new input.
func (r *Registry) SelectQuality(id string, index int) error {
	ch, ok := r.channels.Load(id)
	if !ok {
		return fmt.Errorf("unknown channel %s", id)
	}

	ch.Mu.Lock()
	if index < 0 || index > len(ch.QualityOptions) {
		n := len(ch.QualityOptions)
		ch.Mu.Unlock()
		return fmt.Errorf("quality index %d out of range (channel has %d variants)", index, n)
	}
	ch.SelectedQuality = index
	ch.Mu.Unlock()

	if r.db != nil {
		ch.Mu.RLock()
		reset := index == 0 && ch.SelectedSource == 0
		ch.Mu.RUnlock()
		var err error
		if reset {
			err = r.db.DeletePref(id)
		} else {
			err = r.db.SaveSelectedQuality(id, index)
		}
		if err != nil {
			logger.Warn("{registry/channels - SelectQuality} failed to persist selection for %s: %v", id, err)
		}
	}

	logger.Info("{registry/channels - SelectQuality} %s pinned to quality %d", id, index)
	r.fireEvict(id)
	return nil
}

// RemoveExpired sweeps channels whose expiry has passed. The janitor calls
// this between rebuild passes so channels do not outlive their event by
// more than the configured lifetime.
func (r *Registry) RemoveExpired() []string {
	now := time.Now()
	var removed []string

	r.mu.Lock()
	r.channels.Range(func(id string, ch *types.Channel) bool {
		ch.Mu.RLock()
		expired := !ch.ExpiresAt.IsZero() && now.After(ch.ExpiresAt)
		ch.Mu.RUnlock()
		if expired {
			r.channels.Delete(id)
			removed = append(removed, id)
		}
		return true
	})
	total := r.channels.Size()
	r.mu.Unlock()

	for _, id := range removed {
		r.fireEvict(id)
	}

	if len(removed) > 0 {
		metrics.ChannelsRegistered.Set(float64(total))
		metrics.ReconcileOps.WithLabelValues("removed").Add(float64(len(removed)))
		logger.Info("{registry/channels - RemoveExpired} swept %d expired channels", len(removed))
	}
	return removed
}
