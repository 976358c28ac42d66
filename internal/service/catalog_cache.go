package service

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// DefaultCatalogCacheSize is used when no size is configured.
const DefaultCatalogCacheSize = 16

// CatalogCache reuses parsed catalogs for rule sets that have not changed.
// Catalogs are immutable, so a cached one can serve concurrent runs.
type CatalogCache struct {
	cache *lru.Cache[string, *Catalog]
}

// NewCatalogCache creates an LRU of parsed catalogs keyed by fingerprint.
func NewCatalogCache(size int) (*CatalogCache, error) {
	if size <= 0 {
		size = DefaultCatalogCacheSize
	}
	cache, err := lru.New[string, *Catalog](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog cache: %w", err)
	}
	return &CatalogCache{cache: cache}, nil
}

// Get returns the catalog for raw, building it on a miss. The second value
// reports whether it came from the cache.
func (c *CatalogCache) Get(raw []domain.RawRule) (*Catalog, bool) {
	key := Fingerprint(raw)
	if catalog, ok := c.cache.Get(key); ok {
		return catalog, true
	}
	catalog := buildCatalog(raw, key)
	c.cache.Add(key, catalog)
	return catalog, false
}

// Len is the number of cached catalogs.
func (c *CatalogCache) Len() int {
	return c.cache.Len()
}

// Purge drops every cached catalog.
func (c *CatalogCache) Purge() {
	c.cache.Purge()
}
