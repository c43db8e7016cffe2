package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// FallbackCache is the bounded in-process LRU consulted only when the backing
// store cannot answer. Tiers are derived from age at read time.
type FallbackCache struct {
	lru      *lru.Cache[string, fallbackEntry]
	freshTTL time.Duration
	staleTTL time.Duration
}

type fallbackEntry struct {
	entry    models.WeatherEntry
	storedAt time.Time
}

// NewFallbackCache creates a FallbackCache holding up to size entries.
func NewFallbackCache(size int, freshTTL, staleTTL time.Duration) (*FallbackCache, error) {
	l, err := lru.New[string, fallbackEntry](size)
	if err != nil {
		return nil, err
	}
	return &FallbackCache{lru: l, freshTTL: freshTTL, staleTTL: staleTTL}, nil
}

// Add stores entry under key, evicting the least recently used entry at capacity.
func (c *FallbackCache) Add(key string, entry models.WeatherEntry, now time.Time) {
	c.lru.Add(key, fallbackEntry{entry: entry, storedAt: now})
}

// Get returns the entry for key tagged fresh or stale by age. Entries past the
// stale TTL are removed and reported absent.
func (c *FallbackCache) Get(key string, now time.Time) (models.WeatherEntry, bool) {
	fe, ok := c.lru.Get(key)
	if !ok {
		return models.WeatherEntry{}, false
	}
	age := now.Sub(fe.storedAt)
	switch {
	case age < c.freshTTL:
		return fe.entry.WithTier(models.TierFresh), true
	case age < c.staleTTL:
		return fe.entry.WithTier(models.TierStale), true
	default:
		c.lru.Remove(key)
		return models.WeatherEntry{}, false
	}
}

// Len returns the number of entries held.
func (c *FallbackCache) Len() int {
	return c.lru.Len()
}
