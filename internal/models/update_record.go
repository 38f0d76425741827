package models

import "time"

// MaxPushRetries caps transient resend attempts per record.
const MaxPushRetries = 3

// UpdateRecord is one discovered item for one user, append-only. The
// (user_id, item_id) unique index makes detection idempotent: a retried
// check that sees the same window inserts nothing new.
type UpdateRecord struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	UserID   string `gorm:"type:varchar(100);not null;uniqueIndex:idx_updates_user_item,priority:1;index:idx_updates_user_read,priority:1"`
	ItemID   string `gorm:"type:varchar(100);not null;uniqueIndex:idx_updates_user_item,priority:2"`
	ConfigID uint64 `gorm:"not null;index"`
	TargetID uint64 `gorm:"not null;index"`
	Platform string `gorm:"type:varchar(20);not null"`

	Title       string    `gorm:"type:text;not null;default:''"`
	Description string    `gorm:"type:text;not null;default:''"`
	CoverURL    string    `gorm:"type:text;not null;default:''"`
	ItemURL     string    `gorm:"type:text;not null;default:''"`
	Duration    int       `gorm:"not null;default:0"`
	PublishTime time.Time `gorm:"type:timestamptz;index"`

	PlayCount    int64 `gorm:"not null;default:0"`
	LikeCount    int64 `gorm:"not null;default:0"`
	CommentCount int64 `gorm:"not null;default:0"`
	ShareCount   int64 `gorm:"not null;default:0"`

	IsRead     bool       `gorm:"not null;default:false;index:idx_updates_user_read,priority:2"`
	ReadTime   *time.Time `gorm:"type:timestamptz"`
	IsFavorite bool       `gorm:"not null;default:false"`

	IsPushed       bool       `gorm:"not null;default:false;index"`
	PushTime       *time.Time `gorm:"type:timestamptz"`
	PushRetryCount int        `gorm:"not null;default:0"`
	LastRetryTime  *time.Time `gorm:"type:timestamptz"`

	DetectedAt time.Time `gorm:"type:timestamptz;not null;index"`
}

func (UpdateRecord) TableName() string {
	return "update_records"
}
