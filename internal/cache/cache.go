// Package cache defines the shared store for cached upstream metadata.
package cache

import (
	"context"
	"time"
)

// Store is a byte store with per-entry TTL. Get reports ok=false on a miss.
type Store interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
