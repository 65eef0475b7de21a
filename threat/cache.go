package threat

import (
	"context"
	"strings"
	"time"

	"logcorr/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedFeed puts an expiring LRU in front of a slower feed.
// Errors are never cached.
type CachedFeed struct {
	feed  ThreatFeed
	cache *expirable.LRU[string, *ThreatIntel]
	label string
}

// NewCachedFeed wraps feed with a cache of size entries kept for ttl.
func NewCachedFeed(feed ThreatFeed, size int, ttl time.Duration) *CachedFeed {
	if size <= 0 {
		size = 1
	}
	return &CachedFeed{
		feed:  feed,
		cache: expirable.NewLRU[string, *ThreatIntel](size, nil, ttl),
		label: "ioc_" + strings.ToLower(strings.ReplaceAll(feed.Name(), " ", "_")),
	}
}

// Name returns the wrapped feed's name
func (c *CachedFeed) Name() string {
	return c.feed.Name()
}

// CheckIOC checks an IOC, consulting the cache first
func (c *CachedFeed) CheckIOC(ctx context.Context, value string, iocType IOCType) (*ThreatIntel, error) {
	intel, _, err := c.Lookup(ctx, value, iocType)
	return intel, err
}

// Lookup is CheckIOC that also reports a cache hit.
func (c *CachedFeed) Lookup(ctx context.Context, value string, iocType IOCType) (*ThreatIntel, bool, error) {
	key := string(iocType) + ":" + strings.ToLower(strings.TrimSpace(value))
	if intel, ok := c.cache.Get(key); ok {
		metrics.CacheHits.WithLabelValues(c.label).Inc()
		return intel, true, nil
	}
	metrics.CacheMisses.WithLabelValues(c.label).Inc()

	intel, err := c.feed.CheckIOC(ctx, value, iocType)
	if err != nil {
		return nil, false, err
	}
	c.cache.Add(key, intel)
	return intel, false, nil
}

// Len returns the number of cached verdicts.
func (c *CachedFeed) Len() int {
	return c.cache.Len()
}
