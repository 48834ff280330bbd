package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports tiered caching: local LRU (L1) + Redis or the persistent
// store (L2). All methods require userID for strict per-user isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if the key is missing or its TTL has elapsed.
	Get(ctx context.Context, userID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, userID string, key string) error

	// DeletePrefix removes all values whose key starts with prefix.
	// Used for namespace-level invalidation (e.g. all "post:" entries).
	DeletePrefix(ctx context.Context, userID string, prefix string) error

	// IncrementCounter atomically increments a windowed counter and
	// returns the new value. Used for view-count coalescing.
	IncrementCounter(ctx context.Context, userID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// TTL classes per cached resource kind. An entry is valid iff
// now - writtenAt < TTL for its class.
const (
	TTLToken   = 55 * time.Minute
	TTLPost    = 5 * time.Minute
	TTLProfile = 30 * time.Minute
	TTLImage   = 24 * time.Hour
)

// Key prefixes. Every cache key is resource type + id, scoped by userID
// at the cache layer.
const (
	PrefixPost     = "post:"
	PrefixPostList = "posts:"
	PrefixComments = "comments:"
	PrefixProfile  = "profile:"
	PrefixToken    = "token:"
	PrefixImage    = "image:"
	PrefixCart     = "cart:"
	PrefixOrder    = "order:"
)

// PostKey returns the cache key for a single post.
func PostKey(postID string) string { return PrefixPost + postID }

// PostListKey returns the cache key for a page of the post feed.
func PostListKey(page string) string { return PrefixPostList + page }

// CommentsKey returns the cache key for a post's comment list.
func CommentsKey(postID string) string { return PrefixComments + postID }

// ProfileKey returns the cache key for a user's profile.
func ProfileKey(userID string) string { return PrefixProfile + userID }

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory", "redis" or "tiered"
	Type string `env:"CACHE_TYPE"`

	// Local LRU settings (L1)
	MemoryMaxItems int   `env:"CACHE_MAX_ITEMS"`
	MemoryMaxBytes int64 `env:"CACHE_MAX_BYTES"`

	// Redis settings (L2 for shared deployments)
	RedisAddr     string `env:"CACHE_REDIS_ADDR"`
	RedisPassword string `env:"CACHE_REDIS_PASSWORD"`
	RedisDB       int    `env:"CACHE_REDIS_DB"`

	// L1 TTL cap when tiered (entries in L1 never outlive this)
	LocalTTL time.Duration `env:"CACHE_LOCAL_TTL"`
}
