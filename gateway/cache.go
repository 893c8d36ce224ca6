package gateway

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/ruteri/multicloud-gateway/metrics"
)

// CacheOptions configures the metadata cache. A disabled cache never stores.
type CacheOptions struct {
	Enabled bool
	Size    int
	TTL     time.Duration
	Prefix  string
}

type cacheEntry struct {
	meta   *interfaces.OperationResult
	exists *bool
}

// metadataCache remembers GetMetadata and Exists answers per backend and path.
type metadataCache struct {
	lru     *expirable.LRU[string, cacheEntry]
	prefix  string
	metrics *metrics.GatewayMetrics
}

func newMetadataCache(opts CacheOptions, m *metrics.GatewayMetrics) *metadataCache {
	if !opts.Enabled {
		return nil
	}
	size := opts.Size
	if size <= 0 {
		size = 4096
	}
	return &metadataCache{
		lru:     expirable.NewLRU[string, cacheEntry](size, nil, opts.TTL),
		prefix:  opts.Prefix,
		metrics: m,
	}
}

func (c *metadataCache) key(backend, path string) string {
	return c.prefix + ":" + backend + ":" + path
}

func (c *metadataCache) metadata(backend, path string) *interfaces.OperationResult {
	if c == nil {
		return nil
	}
	e, ok := c.lru.Get(c.key(backend, path))
	hit := ok && e.meta != nil
	c.metrics.CacheLookup(hit)
	if !hit {
		return nil
	}
	return e.meta.Clone()
}

func (c *metadataCache) exists(backend, path string) (bool, bool) {
	if c == nil {
		return false, false
	}
	e, ok := c.lru.Get(c.key(backend, path))
	hit := ok && e.exists != nil
	c.metrics.CacheLookup(hit)
	if !hit {
		return false, false
	}
	return *e.exists, true
}

func (c *metadataCache) storeMetadata(backend, path string, res *interfaces.OperationResult) {
	if c == nil {
		return
	}
	found := true
	c.lru.Add(c.key(backend, path), cacheEntry{meta: res.Clone(), exists: &found})
}

func (c *metadataCache) storeExists(backend, path string, exists bool) {
	if c == nil {
		return
	}
	key := c.key(backend, path)
	e, _ := c.lru.Peek(key)
	if !exists {
		e.meta = nil
	}
	e.exists = &exists
	c.lru.Add(key, e)
}

// invalidate drops every entry for path regardless of backend, since a
// fallback may have written it somewhere other than the requested backend.
func (c *metadataCache) invalidate(path string) {
	if c == nil {
		return
	}
	for _, k := range c.lru.Keys() {
		rest, ok := strings.CutPrefix(k, c.prefix+":")
		if !ok {
			continue
		}
		if _, p, ok := strings.Cut(rest, ":"); ok && p == path {
			c.lru.Remove(k)
		}
	}
}
