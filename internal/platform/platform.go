package platform

import (
	"context"
	"time"
)

// Item is one piece of content fetched from a platform, normalized across
// video and music sources.
type Item struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	CoverURL     string    `json:"cover_url"`
	ItemURL      string    `json:"item_url"`
	ContentType  string    `json:"content_type"`
	Duration     int       `json:"duration"`
	PublishTime  time.Time `json:"publish_time"`
	PlayCount    int64     `json:"play_count"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	ShareCount   int64     `json:"share_count"`
}

// Token is a refreshed credential pair.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	OpenID       string
}

// Adapter wraps one platform's outbound API. FetchLatest returns items
// ordered newest first. Implementations are stateless; short response
// caching is layered on via CachingAdapter.
type Adapter interface {
	Name() string
	FetchLatest(ctx context.Context, accessToken, targetExternalID string, count int) ([]Item, error)
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}
