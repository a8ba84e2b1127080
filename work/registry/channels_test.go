package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/database"
	"github.com/eribbey/redcarrd/work/types"
)

func testConfig() *config.Config {
	return &config.Config{
		ChannelLifetime:   time.Hour,
		MaxCookies:        3,
		DefaultStreamMode: "direct",
		UserAgent:         "test-agent",
	}
}

func TestChannelIDStability(t *testing.T) {
	start := time.Date(2026, 8, 21, 19, 0, 0, 0, time.UTC)

	a := ChannelID("Arsenal v Spurs", start, "https://embeds.example/e/1")
	b := ChannelID("Arsenal v Spurs", start, "https://embeds.example/e/1")
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}

	if ChannelID("Arsenal v Spurs", start, "https://embeds.example/e/2") == a {
		t.Errorf("embed change did not change id")
	}
	if ChannelID("Arsenal v Wolves", start, "https://embeds.example/e/1") == a {
		t.Errorf("title change did not change id")
	}
	if ChannelID("Arsenal v Spurs", start.Add(time.Hour), "https://embeds.example/e/1") == a {
		t.Errorf("start time change did not change id")
	}
}

func TestReconcileAddThenGrow(t *testing.T) {
	r := New(testConfig(), nil)

	first := []types.Event{
		{Title: "A", EmbedURL: "u1", Category: "football"},
	}
	counts := r.Reconcile(first, nil)
	if counts.Total != 1 || counts.Added != 1 || counts.Updated != 0 || counts.Removed != 0 {
		t.Fatalf("first pass counts = %+v", counts)
	}

	idA := ChannelID("A", time.Time{}, "u1")
	chA, ok := r.Get(idA)
	if !ok {
		t.Fatalf("channel A not registered under its id")
	}

	second := []types.Event{
		{Title: "A", EmbedURL: "u1", Category: "football"},
		{Title: "B", EmbedURL: "u2", Category: "football"},
	}
	counts = r.Reconcile(second, nil)
	if counts.Total != 2 || counts.Added != 1 || counts.Updated != 1 || counts.Removed != 0 {
		t.Fatalf("second pass counts = %+v, want {2 1 1 0}", counts)
	}

	chA2, ok := r.Get(idA)
	if !ok || chA2 != chA {
		t.Errorf("channel A did not keep its identity across passes")
	}
}

func TestReconcileCountsAndRemoval(t *testing.T) {
	r := New(testConfig(), nil)

	var evicted []string
	r.OnEvict(func(id string) { evicted = append(evicted, id) })

	events := []types.Event{
		{Title: "A", EmbedURL: "u1", Category: "football"},
		{Title: "B", EmbedURL: "u2", Category: "football"},
		{Title: "C", EmbedURL: "u3", Category: "basketball"},
	}

	counts := r.Reconcile(events, nil)
	if counts.Added+counts.Updated != 3 {
		t.Fatalf("added+updated = %d, want event count 3", counts.Added+counts.Updated)
	}

	counts = r.Reconcile(events, nil)
	if counts.Total != 3 || counts.Added != 0 || counts.Updated != 3 || counts.Removed != 0 {
		t.Fatalf("repeat pass counts = %+v, want {3 0 3 0}", counts)
	}

	counts = r.Reconcile(events[:1], nil)
	if counts.Total != 1 || counts.Removed != 2 {
		t.Fatalf("shrink pass counts = %+v, want total 1 removed 2", counts)
	}
	if len(evicted) != 2 {
		t.Errorf("eviction hooks fired %d times, want 2", len(evicted))
	}
	for _, id := range evicted {
		if _, ok := r.Get(id); ok {
			t.Errorf("evicted id %s still registered", id)
		}
	}
}

func TestReconcileCategoryFilter(t *testing.T) {
	r := New(testConfig(), nil)

	events := []types.Event{
		{Title: "A", EmbedURL: "u1", Category: "Football"},
		{Title: "B", EmbedURL: "u2", Category: "Tennis"},
	}

	counts := r.Reconcile(events, []string{"football"})
	if counts.Total != 1 {
		t.Fatalf("category filter kept %d channels, want 1", counts.Total)
	}
	if _, ok := r.Get(ChannelID("B", time.Time{}, "u2")); ok {
		t.Errorf("filtered-out category still registered")
	}
}

func TestEmbedChangeResetsStreamState(t *testing.T) {
	r := New(testConfig(), nil)

	events := []types.Event{{Title: "A", EmbedURL: "u1", Category: "football"}}
	r.Reconcile(events, nil)

	id := ChannelID("A", time.Time{}, "u1")
	r.SetResolved(id, "https://cdn/x/index.m3u8", "application/vnd.apple.mpegurl", types.KindHLS)
	r.MergeCookies(id, []types.Cookie{{Name: "sess", Value: "1"}})

	// Simulate upstream swapping the embed behind the same listing; the
	// update path must not carry stream state or cookies across it.
	ch, _ := r.Get(id)
	ch.Mu.Lock()
	ch.EmbedURL = "u0"
	ch.Mu.Unlock()

	counts := r.Reconcile(events, nil)
	if counts.Updated != 1 {
		t.Fatalf("counts = %+v, want updated 1", counts)
	}

	ch.Mu.RLock()
	defer ch.Mu.RUnlock()
	if ch.StreamURL != "" {
		t.Errorf("StreamURL survived embed change: %q", ch.StreamURL)
	}
	if len(ch.Cookies) != 0 {
		t.Errorf("cookies survived embed change: %v", ch.Cookies)
	}
	if ch.EmbedURL != "u1" {
		t.Errorf("EmbedURL = %q, want event embed u1", ch.EmbedURL)
	}
}

func TestUnchangedEmbedPreservesStreamState(t *testing.T) {
	r := New(testConfig(), nil)

	events := []types.Event{{Title: "A", EmbedURL: "u1", Category: "football"}}
	r.Reconcile(events, nil)

	id := ChannelID("A", time.Time{}, "u1")
	r.SetResolved(id, "https://cdn/x/index.m3u8", "application/vnd.apple.mpegurl", types.KindHLS)
	r.MergeCookies(id, []types.Cookie{{Name: "sess", Value: "1"}})

	r.Reconcile(events, nil)

	ch, _ := r.Get(id)
	url, kind := ch.StreamSnapshot()
	if url != "https://cdn/x/index.m3u8" || kind != types.KindHLS {
		t.Errorf("stream state lost on unchanged update: %q %v", url, kind)
	}
	if len(ch.CookieSnapshot()) != 1 {
		t.Errorf("cookies lost on unchanged update")
	}
}

func TestMergeCookiesBoundedLastWriteWins(t *testing.T) {
	r := New(testConfig(), nil) // MaxCookies = 3

	r.Reconcile([]types.Event{{Title: "A", EmbedURL: "u1", Category: "football"}}, nil)
	id := ChannelID("A", time.Time{}, "u1")

	r.MergeCookies(id, []types.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}})
	r.MergeCookies(id, []types.Cookie{{Name: "a", Value: "9"}})

	ch, _ := r.Get(id)
	cookies := ch.CookieSnapshot()
	if len(cookies) != 2 {
		t.Fatalf("cookie count = %d, want 2", len(cookies))
	}
	if cookies[0].Name != "a" || cookies[0].Value != "9" {
		t.Errorf("replace did not keep insertion position with new value: %v", cookies)
	}

	r.MergeCookies(id, []types.Cookie{{Name: "c", Value: "3"}, {Name: "d", Value: "4"}})
	cookies = ch.CookieSnapshot()
	if len(cookies) != 3 {
		t.Fatalf("cookie set exceeded bound: %v", cookies)
	}
	if cookies[0].Name != "b" {
		t.Errorf("oldest cookie not evicted first: %v", cookies)
	}
}

func TestSelectSource(t *testing.T) {
	r := New(testConfig(), nil)

	events := []types.Event{{
		Title:    "A",
		EmbedURL: "u1",
		Category: "football",
		SourceOptions: []types.SourceOption{
			{Label: "alt 1", EmbedURL: "u1b"},
		},
	}}
	r.Reconcile(events, nil)
	id := ChannelID("A", time.Time{}, "u1")

	var evicted []string
	r.OnEvict(func(cid string) { evicted = append(evicted, cid) })

	r.SetResolved(id, "https://cdn/x/index.m3u8", "", types.KindHLS)

	if err := r.SelectSource(id, 2); err == nil {
		t.Fatalf("out-of-range source index accepted")
	}
	if err := r.SelectSource("deadbeef", 1); err == nil {
		t.Fatalf("unknown channel accepted")
	}

	if err := r.SelectSource(id, 1); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}

	ch, _ := r.Get(id)
	if got := ch.ActiveEmbedURL(); got != "u1b" {
		t.Errorf("active embed = %q, want u1b", got)
	}
	if url, _ := ch.StreamSnapshot(); url != "" {
		t.Errorf("stream state survived source switch: %q", url)
	}
	if len(evicted) != 1 || evicted[0] != id {
		t.Errorf("source switch did not evict the job: %v", evicted)
	}
}

func TestSelectionPersistence(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events := []types.Event{{
		Title:    "A",
		EmbedURL: "u1",
		Category: "football",
		SourceOptions: []types.SourceOption{
			{Label: "alt 1", EmbedURL: "u1b"},
		},
	}}
	id := ChannelID("A", time.Time{}, "u1")

	r := New(testConfig(), db)
	r.Reconcile(events, nil)
	if err := r.SelectSource(id, 1); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}

	// A fresh registry over the same store re-applies the selection when
	// the channel is inserted again.
	r2 := New(testConfig(), db)
	r2.Reconcile(events, nil)
	ch, ok := r2.Get(id)
	if !ok {
		t.Fatal("channel missing after second reconcile")
	}
	if got := ch.ActiveEmbedURL(); got != "u1b" {
		t.Fatalf("persisted selection not reapplied: active embed = %q", got)
	}

	// Returning both selections to default drops the stored row entirely.
	if err := r2.SelectSource(id, 0); err != nil {
		t.Fatalf("SelectSource reset: %v", err)
	}
	if pref, err := db.LoadPref(id); err != nil || pref != nil {
		t.Fatalf("pref row survived reset: %+v, %v", pref, err)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	r := New(testConfig(), nil)

	start := time.Date(2026, 8, 21, 18, 0, 0, 0, time.UTC)
	events := []types.Event{
		{Title: "Z late", EmbedURL: "u1", Category: "football", StartTime: start.Add(time.Hour)},
		{Title: "A early", EmbedURL: "u2", Category: "football", StartTime: start},
		{Title: "Hoops", EmbedURL: "u3", Category: "basketball", StartTime: start},
	}
	r.Reconcile(events, nil)

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	if snap[0].Category != "basketball" {
		t.Errorf("snapshot not ordered by category: %v", snap[0].Category)
	}
	if snap[1].Title != "A early" || snap[2].Title != "Z late" {
		t.Errorf("snapshot not ordered by start time within category")
	}
}
