package geo

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const lookupCacheSize = 4096

// cachingProvider memoizes lookups; client IPs repeat heavily within a rate
// limit window.
type cachingProvider struct {
	inner Provider
	cache *lru.Cache[string, *Location]
}

// NewCachingProvider wraps p with an in-process LRU lookup cache.
func NewCachingProvider(p Provider) Provider {
	cache, err := lru.New[string, *Location](lookupCacheSize)
	if err != nil {
		return p
	}
	return &cachingProvider{inner: p, cache: cache}
}

func (c *cachingProvider) Lookup(ip string) (*Location, error) {
	if loc, ok := c.cache.Get(ip); ok {
		return loc, nil
	}
	loc, err := c.inner.Lookup(ip)
	if err != nil {
		return nil, err
	}
	c.cache.Add(ip, loc)
	return loc, nil
}

func (c *cachingProvider) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
