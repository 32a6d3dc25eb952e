package pricing

import (
	"sync"
	"time"
)

// DefaultTTL bounds pricing staleness; resolutions older than the TTL are
// re-read from the underlying source. Staleness inside the window is
// accepted by design.
const DefaultTTL = 24 * time.Hour

type cachedResolution struct {
	resolution Resolution
	fetchedAt  time.Time
}

// CachedSource memoizes resolutions from an underlying Source with a TTL.
// It is safe for concurrent use.
type CachedSource struct {
	source Source
	ttl    time.Duration
	nowFn  func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedResolution
}

func NewCachedSource(source Source, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedSource{
		source:  source,
		ttl:     ttl,
		nowFn:   time.Now,
		entries: map[string]cachedResolution{},
	}
}

func (c *CachedSource) Lookup(model string) (Entry, bool) {
	resolution := c.Resolve(model)
	if resolution.Origin == OriginFallback {
		return Entry{}, false
	}
	return resolution.Entry, true
}

func (c *CachedSource) Resolve(model string) Resolution {
	key := NormalizeModel(model)
	now := c.nowFn()

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Sub(cached.fetchedAt) < c.ttl {
		return cached.resolution
	}

	resolution := c.source.Resolve(model)

	c.mu.Lock()
	c.entries[key] = cachedResolution{resolution: resolution, fetchedAt: now}
	c.mu.Unlock()

	return resolution
}
