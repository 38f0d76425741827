package models

import "time"

// CredentialRecord holds the OAuth token pair for one (user, platform).
// A record whose ExpiresAt is inside the refresh margin must pass through
// the credential manager's refresh path before the access token is used.
type CredentialRecord struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	UserID   string `gorm:"type:varchar(100);not null;uniqueIndex:idx_credentials_user_platform,priority:1"`
	Platform string `gorm:"type:varchar(20);not null;uniqueIndex:idx_credentials_user_platform,priority:2"`

	AccessToken    string    `gorm:"type:text;not null"`
	RefreshToken   string    `gorm:"type:text;not null"`
	ExpiresAt      time.Time `gorm:"type:timestamptz;not null"`
	PlatformUserID string    `gorm:"type:varchar(100);not null;default:''"`

	// Usable flips false when a refresh attempt fails; only a fresh
	// authorization (out-of-scope OAuth flow) flips it back.
	Usable bool `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (CredentialRecord) TableName() string {
	return "credential_records"
}
