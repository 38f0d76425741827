package repository

import (
	"context"
	"errors"
	"time"

	"fanwatch/internal/models"
)

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("repository: not found")

type ListUpdatesParams struct {
	UserID   string
	TargetID *uint64
	Unread   *bool
	Since    *time.Time
	Limit    int
	Offset   int
}

type MonitorStats struct {
	TotalConfigs  int64
	ActiveConfigs int64
	TotalChecks   int64
	TotalNewItems int64
	TotalPushes   int64
	TotalErrors   int64
	RecentUpdates int64
}

// CheckResult is what one finished check writes back to a config's status.
// All counter arithmetic happens inside the store in a single statement so
// a manual check racing the scheduled tick cannot lose an update.
type CheckResult struct {
	CheckedAt    time.Time
	NewestItemID string
	NewItems     int64
	Error        string
}

type Repository interface {
	// Monitor configs.
	CreateMonitorConfig(ctx context.Context, item *models.MonitorConfig) error
	GetMonitorConfig(ctx context.Context, userID string, targetID uint64) (*models.MonitorConfig, error)
	GetMonitorConfigByID(ctx context.Context, id uint64) (*models.MonitorConfig, error)
	ListDueConfigs(ctx context.Context, now time.Time, limit int) ([]models.MonitorConfig, error)
	ListUserConfigs(ctx context.Context, userID string, activeOnly *bool) ([]models.MonitorConfig, error)
	UpdateMonitorConfig(ctx context.Context, id uint64, updates map[string]any) error
	RecordCheck(ctx context.Context, id uint64, result CheckResult) error
	RecordPush(ctx context.Context, id uint64, at time.Time) error
	DeleteUserData(ctx context.Context, userID string) error
	MonitorStats(ctx context.Context, since time.Time) (MonitorStats, error)

	// Update records.
	InsertUpdateRecord(ctx context.Context, item *models.UpdateRecord) (bool, error)
	GetUpdateByID(ctx context.Context, id uint64) (*models.UpdateRecord, error)
	ListUpdates(ctx context.Context, params ListUpdatesParams) ([]models.UpdateRecord, error)
	CountUpdates(ctx context.Context, params ListUpdatesParams) (int64, error)
	MarkUpdateRead(ctx context.Context, id uint64, at time.Time) error
	MarkAllUpdatesRead(ctx context.Context, userID string, at time.Time) (int64, error)
	MarkUpdatePushed(ctx context.Context, id uint64, at time.Time) error
	IncrementPushRetry(ctx context.Context, id uint64, at time.Time) error
	ListUnpushedUpdates(ctx context.Context, userID string, limit int) ([]models.UpdateRecord, error)
	PruneUpdates(ctx context.Context, before time.Time) (int64, error)

	// Credentials.
	GetCredential(ctx context.Context, userID, platform string) (*models.CredentialRecord, error)
	SaveCredential(ctx context.Context, item *models.CredentialRecord) error
	MarkCredentialUnusable(ctx context.Context, userID, platform string) error

	// Targets.
	UpsertTarget(ctx context.Context, item *models.Target) error
	GetTargetByID(ctx context.Context, id uint64) (*models.Target, error)
	ListTargetsByIDs(ctx context.Context, ids []uint64) ([]models.Target, error)
}
