package cache

import (
	"context"
	"time"
)

// Store is the TTL'd key-value contract used for push-subscription state
// and short-lived platform response caching.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
