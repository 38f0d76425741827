package models

import (
	"time"

	"gorm.io/datatypes"
)

// Platform tags carried by configs, targets and credentials.
const (
	PlatformDouyin  = "douyin"
	PlatformQQMusic = "qqmusic"
)

// Check interval bounds in minutes.
const (
	MinCheckInterval = 1
	MaxCheckInterval = 1440
)

// MonitorConfig is one (user, target) monitoring subscription. At most one
// row exists per pair; unsubscribing flips IsActive instead of deleting so
// counters survive re-subscription.
type MonitorConfig struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	UserID   string `gorm:"type:varchar(100);not null;uniqueIndex:idx_monitor_user_target,priority:1;index:idx_monitor_user_active,priority:1"`
	TargetID uint64 `gorm:"not null;uniqueIndex:idx_monitor_user_target,priority:2"`
	Platform string `gorm:"type:varchar(20);not null;index"`

	IsActive bool `gorm:"not null;default:true;index:idx_monitor_user_active,priority:2;index:idx_monitor_due,priority:1"`

	CheckInterval   int            `gorm:"not null;default:5"`
	PushEnabled     bool           `gorm:"not null;default:true"`
	ContentTypes    datatypes.JSON `gorm:"type:jsonb"`
	Keywords        datatypes.JSON `gorm:"type:jsonb"`
	ExcludeKeywords datatypes.JSON `gorm:"type:jsonb"`

	LastCheckTime time.Time  `gorm:"type:timestamptz;not null;index:idx_monitor_due,priority:2"`
	LastItemID    string     `gorm:"type:varchar(100);not null;default:''"`
	CheckCount    int64      `gorm:"not null;default:0"`
	NewItemCount  int64      `gorm:"not null;default:0"`
	PushCount     int64      `gorm:"not null;default:0"`
	LastPushTime  *time.Time `gorm:"type:timestamptz"`
	ErrorCount    int64      `gorm:"not null;default:0"`
	LastErrorTime *time.Time `gorm:"type:timestamptz"`
	LastError     string     `gorm:"type:text;not null;default:''"`

	SuccessRate float64 `gorm:"not null;default:100"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (MonitorConfig) TableName() string {
	return "monitor_configs"
}

// Due reports whether the config should be checked at now.
func (c *MonitorConfig) Due(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	interval := time.Duration(c.CheckInterval) * time.Minute
	return !now.Before(c.LastCheckTime.Add(interval))
}
