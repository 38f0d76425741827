package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"fanwatch/internal/models"
	"fanwatch/internal/repository"
)

// stubRepo is a test-only in-memory implementation of repository.Repository.
// It mirrors the store's counter arithmetic closely enough to exercise the
// scheduling pipeline without a database.
type stubRepo struct {
	mu sync.Mutex

	configs     map[uint64]*models.MonitorConfig
	updates     map[uint64]*models.UpdateRecord
	targets     map[uint64]*models.Target
	credentials map[string]*models.CredentialRecord

	// insertErrOn makes InsertUpdateRecord fail once for the matching
	// item id, simulating a write error mid-batch.
	insertErrOn string

	nextConfigID uint64
	nextUpdateID uint64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		configs:     map[uint64]*models.MonitorConfig{},
		updates:     map[uint64]*models.UpdateRecord{},
		targets:     map[uint64]*models.Target{},
		credentials: map[string]*models.CredentialRecord{},
	}
}

func credKey(userID, platform string) string { return userID + "|" + platform }

func (s *stubRepo) addConfig(cfg models.MonitorConfig) *models.MonitorConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConfigID++
	cfg.ID = s.nextConfigID
	s.configs[cfg.ID] = &cfg
	return &cfg
}

func (s *stubRepo) addTarget(t models.Target) *models.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = &t
	return &t
}

func (s *stubRepo) CreateMonitorConfig(ctx context.Context, item *models.MonitorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConfigID++
	item.ID = s.nextConfigID
	cp := *item
	s.configs[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetMonitorConfig(ctx context.Context, userID string, targetID uint64) (*models.MonitorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range s.configs {
		if cfg.UserID == userID && cfg.TargetID == targetID {
			cp := *cfg
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepo) GetMonitorConfigByID(ctx context.Context, id uint64) (*models.MonitorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *stubRepo) ListDueConfigs(ctx context.Context, now time.Time, limit int) ([]models.MonitorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MonitorConfig
	for _, cfg := range s.configs {
		if cfg.Due(now) {
			out = append(out, *cfg)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubRepo) ListUserConfigs(ctx context.Context, userID string, activeOnly *bool) ([]models.MonitorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MonitorConfig
	for _, cfg := range s.configs {
		if cfg.UserID != userID {
			continue
		}
		if activeOnly != nil && cfg.IsActive != *activeOnly {
			continue
		}
		out = append(out, *cfg)
	}
	return out, nil
}

func (s *stubRepo) UpdateMonitorConfig(ctx context.Context, id uint64, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if v, ok := updates["is_active"].(bool); ok {
		cfg.IsActive = v
	}
	if v, ok := updates["error_count"].(int); ok {
		cfg.ErrorCount = int64(v)
	}
	if v, ok := updates["last_error"].(string); ok {
		cfg.LastError = v
	}
	return nil
}

func (s *stubRepo) RecordCheck(ctx context.Context, id uint64, result repository.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return repository.ErrNotFound
	}
	cfg.CheckCount++
	cfg.LastCheckTime = result.CheckedAt
	if result.NewestItemID != "" {
		cfg.LastItemID = result.NewestItemID
	}
	cfg.NewItemCount += result.NewItems
	if result.Error != "" {
		cfg.ErrorCount++
		cfg.LastError = result.Error
		at := result.CheckedAt
		cfg.LastErrorTime = &at
	}
	cfg.SuccessRate = float64(cfg.CheckCount-cfg.ErrorCount) * 100.0 / float64(cfg.CheckCount)
	return nil
}

func (s *stubRepo) RecordPush(ctx context.Context, id uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return repository.ErrNotFound
	}
	cfg.PushCount++
	cfg.LastPushTime = &at
	return nil
}

func (s *stubRepo) DeleteUserData(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cfg := range s.configs {
		if cfg.UserID == userID {
			delete(s.configs, id)
		}
	}
	for id, rec := range s.updates {
		if rec.UserID == userID {
			delete(s.updates, id)
		}
	}
	for key, cred := range s.credentials {
		if cred.UserID == userID {
			delete(s.credentials, key)
		}
	}
	return nil
}

func (s *stubRepo) MonitorStats(ctx context.Context, since time.Time) (repository.MonitorStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := repository.MonitorStats{}
	for _, cfg := range s.configs {
		stats.TotalConfigs++
		if cfg.IsActive {
			stats.ActiveConfigs++
		}
		stats.TotalChecks += cfg.CheckCount
		stats.TotalNewItems += cfg.NewItemCount
		stats.TotalPushes += cfg.PushCount
		stats.TotalErrors += cfg.ErrorCount
	}
	for _, rec := range s.updates {
		if rec.DetectedAt.After(since) {
			stats.RecentUpdates++
		}
	}
	return stats, nil
}

func (s *stubRepo) InsertUpdateRecord(ctx context.Context, item *models.UpdateRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErrOn != "" && s.insertErrOn == item.ItemID {
		s.insertErrOn = ""
		return false, errors.New("insert failed")
	}
	for _, rec := range s.updates {
		if rec.UserID == item.UserID && rec.ItemID == item.ItemID {
			return false, nil
		}
	}
	s.nextUpdateID++
	item.ID = s.nextUpdateID
	cp := *item
	s.updates[item.ID] = &cp
	return true, nil
}

func (s *stubRepo) GetUpdateByID(ctx context.Context, id uint64) (*models.UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.updates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *stubRepo) ListUpdates(ctx context.Context, params repository.ListUpdatesParams) ([]models.UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UpdateRecord
	for _, rec := range s.updates {
		if rec.UserID != params.UserID {
			continue
		}
		if params.Unread != nil && rec.IsRead == *params.Unread {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *stubRepo) CountUpdates(ctx context.Context, params repository.ListUpdatesParams) (int64, error) {
	items, err := s.ListUpdates(ctx, params)
	return int64(len(items)), err
}

func (s *stubRepo) MarkUpdateRead(ctx context.Context, id uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.updates[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.IsRead = true
	rec.ReadTime = &at
	return nil
}

func (s *stubRepo) MarkAllUpdatesRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.updates {
		if rec.UserID == userID && !rec.IsRead {
			rec.IsRead = true
			rec.ReadTime = &at
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) MarkUpdatePushed(ctx context.Context, id uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.updates[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.IsPushed = true
	rec.PushTime = &at
	return nil
}

func (s *stubRepo) IncrementPushRetry(ctx context.Context, id uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.updates[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.PushRetryCount++
	rec.LastRetryTime = &at
	return nil
}

func (s *stubRepo) ListUnpushedUpdates(ctx context.Context, userID string, limit int) ([]models.UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UpdateRecord
	for _, rec := range s.updates {
		if rec.IsPushed || rec.PushRetryCount >= models.MaxPushRetries {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubRepo) PruneUpdates(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.updates {
		if rec.IsRead && !rec.IsFavorite && rec.DetectedAt.Before(before) {
			delete(s.updates, id)
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) GetCredential(ctx context.Context, userID, platform string) (*models.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[credKey(userID, platform)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *stubRepo) SaveCredential(ctx context.Context, item *models.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.credentials[credKey(item.UserID, item.Platform)] = &cp
	return nil
}

func (s *stubRepo) MarkCredentialUnusable(ctx context.Context, userID, platform string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[credKey(userID, platform)]
	if !ok {
		return repository.ErrNotFound
	}
	cred.Usable = false
	return nil
}

func (s *stubRepo) UpsertTarget(ctx context.Context, item *models.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.Platform == item.Platform && t.ExternalID == item.ExternalID {
			item.ID = t.ID
			*t = *item
			return nil
		}
	}
	if item.ID == 0 {
		item.ID = uint64(len(s.targets) + 1)
	}
	cp := *item
	s.targets[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetTargetByID(ctx context.Context, id uint64) (*models.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *stubRepo) ListTargetsByIDs(ctx context.Context, ids []uint64) ([]models.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Target
	for _, id := range ids {
		if t, ok := s.targets[id]; ok {
			out = append(out, *t)
		}
	}
	return out, nil
}
