// Package cache defines the port interface for byte-oriented caching of
// agent state documents.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching.
// Get reports a miss as (nil, false, nil); Delete of a missing key is not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
