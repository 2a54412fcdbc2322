package tenant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache is a Redis-backed Cache for multi-instance deployments where
// a delete on one instance must invalidate lookups on all of them.
type redisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache creates a tenant cache on top of an existing Redis client.
func NewRedisCache(client redis.UniversalClient) Cache {
	return &redisCache{client: client, prefix: "tenant:"}
}

func (c *redisCache) Get(ctx context.Context, id string) (*Tenant, bool) {
	payload, err := c.client.Get(ctx, c.prefix+id).Bytes()
	if err != nil {
		return nil, false
	}

	var t Tenant
	if err := json.Unmarshal(payload, &t); err != nil {
		// Corrupt entry; drop it so the next lookup refills from the catalog.
		c.client.Del(ctx, c.prefix+id)
		return nil, false
	}
	return &t, true
}

func (c *redisCache) Set(ctx context.Context, id string, t *Tenant, ttl time.Duration) {
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+id, payload, ttl)
}

func (c *redisCache) Delete(ctx context.Context, id string) {
	c.client.Del(ctx, c.prefix+id)
}
