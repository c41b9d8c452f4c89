// Package cache defines the port interface for key-value caching.
// The sync engine uses it to remember remote entities already observed to exist.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching.
// Get reports a miss with ok == false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
