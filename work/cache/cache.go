package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache provides a thread-safe TTL cache for generated text documents: the
// combined M3U playlist and rewritten upstream manifests. Entries expire a
// fixed duration after they are written, so players polling the same
// manifest inside one segment window are served from memory instead of
// re-fetching and re-rewriting upstream.
//
// The store is bounded; when full, the least recently used documents are
// evicted ahead of their TTL.
type Cache struct {
	docs     *otter.Cache[string, string] // Bounded TTL store, keyed by kind-prefixed identifier
	duration time.Duration                // Expiration applied to every entry on write
}

// maxDocs bounds the document store. Manifests are keyed per channel and
// refreshed every few seconds, so a few thousand entries is ample headroom.
const maxDocs = 4096

// NewCache creates and returns a new Cache instance with the specified
// expiration duration. The cache is ready for immediate use.
//
// Parameters:
//   - duration: how long entries are considered valid before expiring
//
// Returns:
//   - *Cache: pointer to a new Cache object
func NewCache(duration time.Duration) *Cache {
	docs := otter.Must(&otter.Options[string, string]{
		MaximumSize:      maxDocs,
		ExpiryCalculator: otter.ExpiryWriting[string, string](duration),
	})

	return &Cache{
		docs:     docs,
		duration: duration,
	}
}

// GetPlaylist retrieves the combined M3U playlist document.
//
// Returns:
//   - string: cached playlist contents (if valid)
//   - bool: true if the entry exists and has not expired
func (c *Cache) GetPlaylist() (string, bool) {
	return c.docs.GetIfPresent("playlist:m3u")
}

// SetPlaylist stores the combined M3U playlist document.
func (c *Cache) SetPlaylist(value string) {
	c.docs.Set("playlist:m3u", value)
}

// GetManifest retrieves a rewritten manifest by key. Keys carry the channel
// id and the upstream URL so variant switches never serve a stale body.
//
// Parameters:
//   - key: identifier for the cached manifest
//
// Returns:
//   - string: cached manifest contents (if valid)
//   - bool: true if the entry exists and has not expired
func (c *Cache) GetManifest(key string) (string, bool) {
	return c.docs.GetIfPresent("manifest:" + key)
}

// SetManifest stores a rewritten manifest under the given key.
func (c *Cache) SetManifest(key, value string) {
	c.docs.Set("manifest:"+key, value)
}

// InvalidateAll drops every cached document. Called after a reconcile pass
// changes the channel set so the next playlist request reflects it.
func (c *Cache) InvalidateAll() {
	c.docs.InvalidateAll()
}
