package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fanwatch/internal/cache"
)

// CachingAdapter reuses a recent FetchLatest response when several configs
// reference the same target within one tick. Refresh is never cached.
type CachingAdapter struct {
	Adapter Adapter
	Cache   cache.Store
	TTL     time.Duration
}

func (c *CachingAdapter) Name() string { return c.Adapter.Name() }

func (c *CachingAdapter) FetchLatest(ctx context.Context, accessToken, targetExternalID string, count int) ([]Item, error) {
	if c.Cache == nil || c.TTL <= 0 {
		return c.Adapter.FetchLatest(ctx, accessToken, targetExternalID, count)
	}
	key := fmt.Sprintf("platform:latest:%s:%s:%d", c.Adapter.Name(), targetExternalID, count)
	if raw, found, err := c.Cache.Get(ctx, key); err == nil && found {
		var items []Item
		if err := json.Unmarshal(raw, &items); err == nil {
			return items, nil
		}
	}
	items, err := c.Adapter.FetchLatest(ctx, accessToken, targetExternalID, count)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(items); err == nil {
		// Cache write failures only cost an extra API call next time.
		_ = c.Cache.Set(ctx, key, raw, c.TTL)
	}
	return items, nil
}

func (c *CachingAdapter) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	return c.Adapter.Refresh(ctx, refreshToken)
}
