package cache

import (
	"testing"
	"time"
)

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache(time.Minute)

	if _, ok := c.GetPlaylist(); ok {
		t.Fatalf("expected empty cache miss")
	}

	c.SetPlaylist("#EXTM3U\n")
	got, ok := c.GetPlaylist()
	if !ok {
		t.Fatalf("expected playlist hit after set")
	}
	if got != "#EXTM3U\n" {
		t.Errorf("playlist = %q, want %q", got, "#EXTM3U\n")
	}

	c.SetManifest("ch1|https://cdn/x/index.m3u8", "#EXTM3U\nseg")
	if _, ok := c.GetManifest("ch1|https://cdn/x/other.m3u8"); ok {
		t.Errorf("manifest keys must not collide across URLs")
	}
	if _, ok := c.GetManifest("ch1|https://cdn/x/index.m3u8"); !ok {
		t.Errorf("expected manifest hit for exact key")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	c.SetPlaylist("stale")

	time.Sleep(120 * time.Millisecond)

	if _, ok := c.GetPlaylist(); ok {
		t.Fatalf("expected entry to expire after TTL")
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	c := NewCache(time.Minute)
	c.SetPlaylist("doc")
	c.SetManifest("k", "doc")

	c.InvalidateAll()

	if _, ok := c.GetPlaylist(); ok {
		t.Errorf("playlist survived InvalidateAll")
	}
	if _, ok := c.GetManifest("k"); ok {
		t.Errorf("manifest survived InvalidateAll")
	}
}

func TestEPGCache(t *testing.T) {
	ec := NewEPGCache(time.Minute)
	defer ec.Close()

	if _, ok := ec.Get(); ok {
		t.Fatalf("expected empty EPG cache miss")
	}

	ec.Set("<tv></tv>")
	got, ok := ec.Get()
	if !ok {
		t.Fatalf("expected EPG hit after set")
	}
	if got != "<tv></tv>" {
		t.Errorf("epg = %q, want %q", got, "<tv></tv>")
	}

	ec.Invalidate()
	if _, ok := ec.Get(); ok {
		t.Errorf("expected miss after invalidate")
	}
}
