package domain

import (
	"context"
	"time"
)

// Cache is the counter store used for event suppression.
// The in-memory implementation serves a single node; Redis shares
// counters across nodes.
type Cache interface {
	// IncrementCounter atomically increments a counter and returns new value.
	// The counter expires window after its first increment.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Delete removes a counter.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type" validate:"oneof=memory redis"`

	// In-memory settings
	LocalMaxSize int `koanf:"local_max_size" validate:"gte=0"`

	// Redis settings
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"gte=0"`
	RedisPrefix   string `koanf:"redis_prefix"`
}
