package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/openedge-labs/kestrel/internal/domain"
)

// New creates a cache based on configuration.
// "memory": standalone in-memory cache.
// "redis": standalone Redis cache.
// "tiered": memory L1 over an L2 - Redis when RedisAddr is set,
// otherwise the supplied persistent store.
func New(cfg domain.CacheConfig, store domain.Cache) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryCache(cfg.MemoryMaxItems, cfg.MemoryMaxBytes), nil

	case "redis":
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	case "tiered":
		var l2 domain.Cache
		if cfg.RedisAddr != "" {
			remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			if err != nil {
				return nil, fmt.Errorf("failed to create redis tier: %w", err)
			}
			l2 = remote
		} else {
			if store == nil {
				return nil, fmt.Errorf("tiered cache requires a persistent store or redis address")
			}
			l2 = store
		}
		return NewTieredCache(cfg, l2), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TieredCache layers a memory L1 over a durable or shared L2.
// L1 hits avoid the store entirely; L2 hits repopulate L1.
type TieredCache struct {
	local *MemoryCache
	tier  domain.Cache
	l1TTL time.Duration
}

// NewTieredCache creates a tiered cache from config and an L2.
func NewTieredCache(cfg domain.CacheConfig, l2 domain.Cache) *TieredCache {
	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	return &TieredCache{
		local: NewMemoryCache(cfg.MemoryMaxItems, cfg.MemoryMaxBytes),
		tier:  l2,
		l1TTL: l1TTL,
	}
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TieredCache) Get(ctx context.Context, userID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	val, err = c.tier.Get(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, userID, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes to both L1 and L2. The L1 copy never outlives l1TTL.
func (c *TieredCache) Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, userID, key, value, l1TTL); err != nil {
		return err
	}
	return c.tier.Set(ctx, userID, key, value, ttl)
}

// Delete removes from both L1 and L2.
func (c *TieredCache) Delete(ctx context.Context, userID string, key string) error {
	if err := c.local.Delete(ctx, userID, key); err != nil {
		return err
	}
	return c.tier.Delete(ctx, userID, key)
}

// DeletePrefix removes a key namespace from both tiers.
func (c *TieredCache) DeletePrefix(ctx context.Context, userID string, prefix string) error {
	if err := c.local.DeletePrefix(ctx, userID, prefix); err != nil {
		return err
	}
	return c.tier.DeletePrefix(ctx, userID, prefix)
}

// IncrementCounter delegates to L2 so counters stay accurate across
// nodes. L1 is never used for counters.
func (c *TieredCache) IncrementCounter(ctx context.Context, userID string, key string, window time.Duration) (int64, error) {
	return c.tier.IncrementCounter(ctx, userID, key, window)
}

// Ping checks both tiers.
func (c *TieredCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.tier.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes the L1. The L2 is owned by its creator.
func (c *TieredCache) Close() error {
	return c.local.Close()
}

// Stats returns L1 statistics.
func (c *TieredCache) Stats() (size int, bytes int64) {
	return c.local.Stats()
}
