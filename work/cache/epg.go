package cache

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
)

// EPGCache holds the rendered XMLTV document. The guide is rebuilt from the
// registry only when a reconcile pass changes the channel set, so a single
// TTL'd entry absorbs the polling that IPTV players do against /epg.xml.
type EPGCache struct {
	cache    *ristretto.Cache[uint64, string]
	duration time.Duration
}

func NewEPGCache(duration time.Duration) *EPGCache {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, string]{
		NumCounters: 100,
		MaxCost:     100 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &EPGCache{
		cache:    cache,
		duration: duration,
	}
}

func (ec *EPGCache) Get() (string, bool) {
	value, found := ec.cache.Get(hashKey("epg:merged"))
	return value, found
}

func (ec *EPGCache) Set(value string) {
	ec.cache.SetWithTTL(hashKey("epg:merged"), value, int64(len(value)), ec.duration)
	ec.cache.Wait()
}

// Invalidate drops the cached guide so the next request re-renders it.
func (ec *EPGCache) Invalidate() {
	ec.cache.Del(hashKey("epg:merged"))
}

func (ec *EPGCache) Close() {
	ec.cache.Close()
}

// hashKey maps a string key onto ristretto's uint64 key space.
func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}
