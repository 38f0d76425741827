package models

import "time"

// Target is an external entity being watched: a short-video creator or a
// musical artist, distinguished by Platform.
type Target struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Platform   string `gorm:"type:varchar(20);not null;uniqueIndex:idx_targets_platform_external,priority:1"`
	ExternalID string `gorm:"type:varchar(100);not null;uniqueIndex:idx_targets_platform_external,priority:2"`

	Name          string `gorm:"type:varchar(100);not null"`
	AvatarURL     string `gorm:"type:text"`
	FollowerCount int64  `gorm:"not null;default:0"`
	Verified      bool   `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Target) TableName() string {
	return "targets"
}
