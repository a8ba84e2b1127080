package playlist

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eribbey/redcarrd/work/cache"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/registry"
	"github.com/eribbey/redcarrd/work/types"
)

func playlistConfig() *config.Config {
	return &config.Config{
		BaseURL:         "http://me",
		ChannelLifetime: time.Hour,
		CacheDuration:   time.Minute,
		Timezone:        "UTC",
		MaxCookies:      10,
	}
}

func newBuilderFixture(t *testing.T, cfg *config.Config) (*Builder, *registry.Registry) {
	t.Helper()
	reg := registry.New(cfg, nil)
	epgCache := cache.NewEPGCache(cfg.CacheDuration)
	t.Cleanup(epgCache.Close)
	return New(cfg, reg, cache.NewCache(cfg.CacheDuration), epgCache), reg
}

func servePlaylist(b *Builder) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	b.ServePlaylist(w, httptest.NewRequest("GET", "/playlist.m3u8", nil))
	return w
}

func TestServePlaylistNotReadyDuringHydration(t *testing.T) {
	b, _ := newBuilderFixture(t, playlistConfig())

	w := servePlaylist(b)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first rebuild, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not ready") {
		t.Fatalf("expected not ready body, got %q", w.Body.String())
	}

	b.SetHydrating(false)
	if w := servePlaylist(b); w.Code != http.StatusOK {
		t.Fatalf("expected 200 after hydration, got %d", w.Code)
	}
}

func TestServePlaylistListsOnlyPlayableChannels(t *testing.T) {
	b, reg := newBuilderFixture(t, playlistConfig())

	reg.Reconcile([]types.Event{
		{Title: "Event A", Category: "sports", EmbedURL: "https://embeds.example.com/a"},
		{Title: "Event B", Category: "sports", EmbedURL: "https://embeds.example.com/b"},
	}, nil)
	idA := registry.ChannelID("Event A", time.Time{}, "https://embeds.example.com/a")
	idB := registry.ChannelID("Event B", time.Time{}, "https://embeds.example.com/b")
	reg.SetResolved(idA, "https://cdn.example.com/a/index.m3u8", "application/vnd.apple.mpegurl", types.KindHLS)
	b.SetHydrating(false)

	w := servePlaylist(b)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/x-mpegURL" {
		t.Fatalf("unexpected content type %q", got)
	}

	body := w.Body.String()
	if !strings.HasPrefix(body, "#EXTM3U\n") {
		t.Fatalf("playlist missing #EXTM3U header:\n%s", body)
	}
	if !strings.Contains(body, "http://me/hls/"+idA) {
		t.Fatalf("resolved channel %s missing from playlist:\n%s", idA, body)
	}
	if strings.Contains(body, idB) {
		t.Fatalf("unresolved channel %s should not be listed:\n%s", idB, body)
	}

	wantInf := `#EXTINF:-1 tvg-id="` + idA + `" tvg-name="Event_A" group-title="sports",Event A`
	if !strings.Contains(body, wantInf+"\n") {
		t.Fatalf("EXTINF line mismatch, want %q in:\n%s", wantInf, body)
	}
}

func TestServePlaylistIncludesCaptureChannels(t *testing.T) {
	b, reg := newBuilderFixture(t, playlistConfig())

	reg.Reconcile([]types.Event{
		{Title: "Stubborn Event", Category: "sports", EmbedURL: "https://embeds.example.com/c"},
	}, nil)
	id := registry.ChannelID("Stubborn Event", time.Time{}, "https://embeds.example.com/c")
	reg.SetStreamMode(id, types.ModeCapture)
	b.SetHydrating(false)

	body := servePlaylist(b).Body.String()
	if !strings.Contains(body, "http://me/hls/"+id) {
		t.Fatalf("capture channel %s missing from playlist:\n%s", id, body)
	}
}

func TestServePlaylistServesCachedCopy(t *testing.T) {
	cfg := playlistConfig()
	cfg.CacheEnabled = true
	b, reg := newBuilderFixture(t, cfg)

	eventA := types.Event{Title: "Event A", Category: "sports", EmbedURL: "https://embeds.example.com/a"}
	eventB := types.Event{Title: "Event B", Category: "sports", EmbedURL: "https://embeds.example.com/b"}

	reg.Reconcile([]types.Event{eventA}, nil)
	idA := registry.ChannelID("Event A", time.Time{}, "https://embeds.example.com/a")
	reg.SetResolved(idA, "https://cdn.example.com/a.m3u8", "application/vnd.apple.mpegurl", types.KindHLS)
	b.SetHydrating(false)

	first := servePlaylist(b).Body.String()
	if !strings.Contains(first, idA) {
		t.Fatalf("expected %s in playlist:\n%s", idA, first)
	}

	// A new channel appears, but the cached document is still served until
	// the caches are invalidated by the next rebuild.
	reg.Reconcile([]types.Event{eventA, eventB}, nil)
	idB := registry.ChannelID("Event B", time.Time{}, "https://embeds.example.com/b")
	reg.SetResolved(idB, "https://cdn.example.com/b.m3u8", "application/vnd.apple.mpegurl", types.KindHLS)

	cached := servePlaylist(b).Body.String()
	if cached != first {
		t.Fatalf("expected cached playlist to be served unchanged")
	}

	b.docs.InvalidateAll()
	rebuilt := servePlaylist(b).Body.String()
	if !strings.Contains(rebuilt, idB) {
		t.Fatalf("expected %s in rebuilt playlist:\n%s", idB, rebuilt)
	}
}

func TestDisplayNameFlattensLineBreaks(t *testing.T) {
	if got := displayName("Cup\r\nFinal"); got != "Cup  Final" {
		t.Fatalf("displayName = %q", got)
	}
	if got := attrValue(`say "hi"`); got != "say 'hi'" {
		t.Fatalf("attrValue = %q", got)
	}
}
