package gormrepository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fanwatch/internal/models"
	"fanwatch/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// --- Monitor configs --------------------------------------------------------

func (s *Store) CreateMonitorConfig(ctx context.Context, item *models.MonitorConfig) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetMonitorConfig(ctx context.Context, userID string, targetID uint64) (*models.MonitorConfig, error) {
	var item models.MonitorConfig
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND target_id = ?", userID, targetID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetMonitorConfigByID(ctx context.Context, id uint64) (*models.MonitorConfig, error) {
	var item models.MonitorConfig
	err := s.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListDueConfigs returns active configs whose next check time has passed,
// stalest first, capped at limit to bound one tick's work.
func (s *Store) ListDueConfigs(ctx context.Context, now time.Time, limit int) ([]models.MonitorConfig, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 100)
	var items []models.MonitorConfig
	err := s.db.WithContext(ctx).
		Model(&models.MonitorConfig{}).
		Where("is_active = ?", true).
		Where("last_check_time + (check_interval * interval '1 minute') <= ?", now).
		Order("last_check_time asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListUserConfigs(ctx context.Context, userID string, activeOnly *bool) ([]models.MonitorConfig, error) {
	query := s.db.WithContext(ctx).
		Model(&models.MonitorConfig{}).
		Where("user_id = ?", userID)
	if activeOnly != nil {
		query = query.Where("is_active = ?", *activeOnly)
	}
	var items []models.MonitorConfig
	if err := query.Order("created_at desc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateMonitorConfig(ctx context.Context, id uint64, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.MonitorConfig{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecordCheck applies one check outcome in a single UPDATE. Every column
// reference on the right-hand side reads the pre-update row, so concurrent
// callers serialize on the row lock and neither increment is lost.
func (s *Store) RecordCheck(ctx context.Context, id uint64, result repository.CheckResult) error {
	at := result.CheckedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	errInc := 0
	if result.Error != "" {
		errInc = 1
	}
	updates := map[string]any{
		"last_check_time": at,
		"check_count":     gorm.Expr("check_count + 1"),
		"success_rate":    gorm.Expr("((check_count + 1 - (error_count + ?)) * 100.0) / (check_count + 1)", errInc),
	}
	if result.NewestItemID != "" {
		updates["last_item_id"] = result.NewestItemID
	}
	if result.NewItems > 0 {
		updates["new_item_count"] = gorm.Expr("new_item_count + ?", result.NewItems)
	}
	if result.Error != "" {
		updates["error_count"] = gorm.Expr("error_count + 1")
		updates["last_error_time"] = at
		updates["last_error"] = result.Error
	}
	res := s.db.WithContext(ctx).
		Model(&models.MonitorConfig{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) RecordPush(ctx context.Context, id uint64, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.MonitorConfig{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"push_count":     gorm.Expr("push_count + 1"),
			"last_push_time": at,
		}).Error
}

// DeleteUserData hard-deletes a user's configs and cascades into the
// user's update records. Account deletion path.
func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.UpdateRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.MonitorConfig{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&models.CredentialRecord{}).Error
	})
}

func (s *Store) MonitorStats(ctx context.Context, since time.Time) (repository.MonitorStats, error) {
	var stats repository.MonitorStats
	type aggRow struct {
		TotalConfigs  int64
		ActiveConfigs int64
		TotalChecks   int64
		TotalNewItems int64
		TotalPushes   int64
		TotalErrors   int64
	}
	var row aggRow
	err := s.db.WithContext(ctx).
		Model(&models.MonitorConfig{}).
		Select(`
			COUNT(*) AS total_configs,
			COUNT(*) FILTER (WHERE is_active) AS active_configs,
			COALESCE(SUM(check_count),0) AS total_checks,
			COALESCE(SUM(new_item_count),0) AS total_new_items,
			COALESCE(SUM(push_count),0) AS total_pushes,
			COALESCE(SUM(error_count),0) AS total_errors
		`).
		Scan(&row).Error
	if err != nil {
		return stats, err
	}
	stats.TotalConfigs = row.TotalConfigs
	stats.ActiveConfigs = row.ActiveConfigs
	stats.TotalChecks = row.TotalChecks
	stats.TotalNewItems = row.TotalNewItems
	stats.TotalPushes = row.TotalPushes
	stats.TotalErrors = row.TotalErrors

	if !since.IsZero() {
		if err := s.db.WithContext(ctx).
			Model(&models.UpdateRecord{}).
			Where("detected_at >= ?", since).
			Count(&stats.RecentUpdates).Error; err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// --- Update records ---------------------------------------------------------

// InsertUpdateRecord inserts unless a row for (user_id, item_id) already
// exists. Returns whether a row was actually written.
func (s *Store) InsertUpdateRecord(ctx context.Context, item *models.UpdateRecord) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "item_id"}},
		DoNothing: true,
	}).Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) GetUpdateByID(ctx context.Context, id uint64) (*models.UpdateRecord, error) {
	var item models.UpdateRecord
	err := s.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) applyUpdateFilters(ctx context.Context, params repository.ListUpdatesParams) *gorm.DB {
	query := s.db.WithContext(ctx).
		Model(&models.UpdateRecord{}).
		Where("user_id = ?", params.UserID)
	if params.TargetID != nil {
		query = query.Where("target_id = ?", *params.TargetID)
	}
	if params.Unread != nil {
		query = query.Where("is_read = ?", !*params.Unread)
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("publish_time >= ?", *params.Since)
	}
	return query
}

func (s *Store) ListUpdates(ctx context.Context, params repository.ListUpdatesParams) ([]models.UpdateRecord, error) {
	limit := normalizeLimit(params.Limit, 20)
	offset := normalizeOffset(params.Offset)
	var items []models.UpdateRecord
	err := s.applyUpdateFilters(ctx, params).
		Order("publish_time desc").
		Limit(limit).
		Offset(offset).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountUpdates(ctx context.Context, params repository.ListUpdatesParams) (int64, error) {
	var count int64
	err := s.applyUpdateFilters(ctx, params).Count(&count).Error
	return count, err
}

func (s *Store) MarkUpdateRead(ctx context.Context, id uint64, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.UpdateRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_read":   true,
			"read_time": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) MarkAllUpdatesRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.UpdateRecord{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{
			"is_read":   true,
			"read_time": at,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) MarkUpdatePushed(ctx context.Context, id uint64, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.UpdateRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_pushed": true,
			"push_time": at,
		}).Error
}

func (s *Store) IncrementPushRetry(ctx context.Context, id uint64, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.UpdateRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"push_retry_count": gorm.Expr("push_retry_count + 1"),
			"last_retry_time":  at,
		}).Error
}

// ListUnpushedUpdates returns records still eligible for an opportunistic
// resend: unpushed and under the retry cap. Empty userID scans all users
// (the slow sweep path).
func (s *Store) ListUnpushedUpdates(ctx context.Context, userID string, limit int) ([]models.UpdateRecord, error) {
	limit = normalizeLimit(limit, 100)
	query := s.db.WithContext(ctx).
		Model(&models.UpdateRecord{}).
		Where("is_pushed = ?", false).
		Where("push_retry_count < ?", models.MaxPushRetries)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var items []models.UpdateRecord
	err := query.Order("publish_time asc").Limit(limit).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// PruneUpdates removes read, non-favorited records older than the
// retention window.
func (s *Store) PruneUpdates(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("is_read = ?", true).
		Where("is_favorite = ?", false).
		Where("detected_at < ?", before).
		Delete(&models.UpdateRecord{})
	return res.RowsAffected, res.Error
}

// --- Credentials ------------------------------------------------------------

func (s *Store) GetCredential(ctx context.Context, userID, platform string) (*models.CredentialRecord, error) {
	var item models.CredentialRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, platform).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SaveCredential(ctx context.Context, item *models.CredentialRecord) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "platform"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token",
			"refresh_token",
			"expires_at",
			"platform_user_id",
			"usable",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) MarkCredentialUnusable(ctx context.Context, userID, platform string) error {
	return s.db.WithContext(ctx).
		Model(&models.CredentialRecord{}).
		Where("user_id = ? AND platform = ?", userID, platform).
		Update("usable", false).Error
}

// --- Targets ----------------------------------------------------------------

func (s *Store) UpsertTarget(ctx context.Context, item *models.Target) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "platform"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"avatar_url",
			"follower_count",
			"verified",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetTargetByID(ctx context.Context, id uint64) (*models.Target, error) {
	var item models.Target
	err := s.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListTargetsByIDs(ctx context.Context, ids []uint64) ([]models.Target, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []models.Target
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
