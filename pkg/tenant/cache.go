package tenant

import (
	"context"
	"sync"
	"time"
)

// Cache stores resolved tenants so the binding middleware does not hit the
// catalog on every request. Implementations must be safe for concurrent
// use.
type Cache interface {
	Get(ctx context.Context, id string) (*Tenant, bool)
	Set(ctx context.Context, id string, t *Tenant, ttl time.Duration)
	Delete(ctx context.Context, id string)
}

// inMemoryCache is the default TTL cache.
type inMemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
}

type cacheItem struct {
	tenant    *Tenant
	expiresAt time.Time
}

// NewInMemoryCache creates a process-local tenant cache. Expired entries
// are dropped lazily on read.
func NewInMemoryCache() Cache {
	return &inMemoryCache{items: make(map[string]cacheItem)}
}

func (c *inMemoryCache) Get(ctx context.Context, id string) (*Tenant, bool) {
	c.mu.RLock()
	item, ok := c.items[id]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, id)
		c.mu.Unlock()
		return nil, false
	}
	return item.tenant, true
}

func (c *inMemoryCache) Set(ctx context.Context, id string, t *Tenant, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = cacheItem{tenant: t, expiresAt: time.Now().Add(ttl)}
}

func (c *inMemoryCache) Delete(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

// noopCache disables caching; every lookup goes to the catalog.
type noopCache struct{}

// NewNoopCache returns a cache that never stores anything.
func NewNoopCache() Cache { return noopCache{} }

func (noopCache) Get(ctx context.Context, id string) (*Tenant, bool)       { return nil, false }
func (noopCache) Set(ctx context.Context, id string, t *Tenant, ttl time.Duration) {}
func (noopCache) Delete(ctx context.Context, id string)                    {}
