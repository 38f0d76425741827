// Package registry owns the set of monitoring subscriptions and their
// mutable check status. Behavior lives here rather than on the models;
// the models stay passive rows.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"fanwatch/internal/detector"
	"fanwatch/internal/models"
	"fanwatch/internal/repository"
)

// ErrConfigNotFound is returned when no monitoring subscription exists for
// the addressed (user, target) pair.
var ErrConfigNotFound = errors.New("registry: config not found")

// SubscribeOptions are the user-settable parts of a subscription.
type SubscribeOptions struct {
	IntervalMinutes int
	PushEnabled     bool
	ContentTypes    []string
	Keywords        []string
	ExcludeKeywords []string
}

type Registry struct {
	Repo   repository.Repository
	Logger *zap.Logger

	locks keyedMutex
}

// keyedMutex serializes work per config id while distinct configs proceed
// in parallel. Guards a manual check racing the scheduled tick.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func (k *keyedMutex) get(id uint64) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = map[uint64]*sync.Mutex{}
	}
	if _, ok := k.locks[id]; !ok {
		k.locks[id] = &sync.Mutex{}
	}
	return k.locks[id]
}

// Lock acquires the per-config lock and returns the unlock func.
func (r *Registry) Lock(configID uint64) func() {
	m := r.locks.get(configID)
	m.Lock()
	return m.Unlock
}

func clampInterval(minutes int) int {
	if minutes < models.MinCheckInterval {
		return models.MinCheckInterval
	}
	if minutes > models.MaxCheckInterval {
		return models.MaxCheckInterval
	}
	return minutes
}

func encodeList(list []string) datatypes.JSON {
	if len(list) == 0 {
		return nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// Subscribe creates the unique (user, target) config or reactivates a
// soft-deleted one, updating its settings either way.
func (r *Registry) Subscribe(ctx context.Context, userID string, targetID uint64, plat string, opts SubscribeOptions) (*models.MonitorConfig, error) {
	interval := clampInterval(opts.IntervalMinutes)
	keywords := detector.NormalizeKeywords(opts.Keywords)
	exclude := detector.NormalizeKeywords(opts.ExcludeKeywords)

	existing, err := r.Repo.GetMonitorConfig(ctx, userID, targetID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("registry: lookup config: %w", err)
	}

	if existing != nil {
		updates := map[string]any{
			"is_active":        true,
			"check_interval":   interval,
			"push_enabled":     opts.PushEnabled,
			"content_types":    encodeList(opts.ContentTypes),
			"keywords":         encodeList(keywords),
			"exclude_keywords": encodeList(exclude),
			"error_count":      0,
			"last_error":       "",
			"last_error_time":  nil,
			"success_rate":     float64(100),
		}
		if err := r.Repo.UpdateMonitorConfig(ctx, existing.ID, updates); err != nil {
			return nil, fmt.Errorf("registry: reactivate config: %w", err)
		}
		return r.Repo.GetMonitorConfigByID(ctx, existing.ID)
	}

	cfg := &models.MonitorConfig{
		UserID:          userID,
		TargetID:        targetID,
		Platform:        plat,
		IsActive:        true,
		CheckInterval:   interval,
		PushEnabled:     opts.PushEnabled,
		ContentTypes:    encodeList(opts.ContentTypes),
		Keywords:        encodeList(keywords),
		ExcludeKeywords: encodeList(exclude),
		LastCheckTime:   time.Now().UTC(),
		SuccessRate:     100,
	}
	if err := r.Repo.CreateMonitorConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("registry: create config: %w", err)
	}
	if r.Logger != nil {
		r.Logger.Info("monitor subscribed",
			zap.String("user", userID),
			zap.Uint64("target", targetID),
			zap.String("platform", plat),
			zap.Int("interval_min", interval),
		)
	}
	return cfg, nil
}

// Unsubscribe soft-deletes: the config goes inactive, counters survive.
func (r *Registry) Unsubscribe(ctx context.Context, userID string, targetID uint64) error {
	cfg, err := r.Repo.GetMonitorConfig(ctx, userID, targetID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrConfigNotFound
	}
	if err != nil {
		return fmt.Errorf("registry: lookup config: %w", err)
	}
	return r.Repo.UpdateMonitorConfig(ctx, cfg.ID, map[string]any{"is_active": false})
}

func (r *Registry) Pause(ctx context.Context, configID uint64) error {
	err := r.Repo.UpdateMonitorConfig(ctx, configID, map[string]any{"is_active": false})
	if errors.Is(err, repository.ErrNotFound) {
		return ErrConfigNotFound
	}
	return err
}

// Resume reactivates a config and wipes its error state so the success
// rate starts clean.
func (r *Registry) Resume(ctx context.Context, configID uint64) error {
	err := r.Repo.UpdateMonitorConfig(ctx, configID, map[string]any{
		"is_active":       true,
		"error_count":     0,
		"last_error":      "",
		"last_error_time": nil,
		"success_rate":    float64(100),
	})
	if errors.Is(err, repository.ErrNotFound) {
		return ErrConfigNotFound
	}
	return err
}

// ListDue returns active configs due for a check at now, stalest first,
// capped at limit.
func (r *Registry) ListDue(ctx context.Context, now time.Time, limit int) ([]models.MonitorConfig, error) {
	return r.Repo.ListDueConfigs(ctx, now, limit)
}

func (r *Registry) Get(ctx context.Context, userID string, targetID uint64) (*models.MonitorConfig, error) {
	cfg, err := r.Repo.GetMonitorConfig(ctx, userID, targetID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrConfigNotFound
	}
	return cfg, err
}

// RecordCheck writes one check outcome. newestItemID advances the cursor;
// checkErr != nil records the failure. Both may apply on the same call
// (e.g. items persisted before a later step failed).
func (r *Registry) RecordCheck(ctx context.Context, configID uint64, newestItemID string, newItems int64, checkErr error) error {
	result := repository.CheckResult{
		CheckedAt:    time.Now().UTC(),
		NewestItemID: newestItemID,
		NewItems:     newItems,
	}
	if checkErr != nil {
		result.Error = checkErr.Error()
	}
	err := r.Repo.RecordCheck(ctx, configID, result)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrConfigNotFound
	}
	return err
}

func (r *Registry) RecordPush(ctx context.Context, configID uint64) error {
	return r.Repo.RecordPush(ctx, configID, time.Now().UTC())
}

// ListStatus returns all of a user's configs, active and paused.
func (r *Registry) ListStatus(ctx context.Context, userID string) ([]models.MonitorConfig, error) {
	return r.Repo.ListUserConfigs(ctx, userID, nil)
}

func (r *Registry) Stats(ctx context.Context) (repository.MonitorStats, error) {
	return r.Repo.MonitorStats(ctx, time.Now().UTC().Add(-24*time.Hour))
}

// RemoveUser hard-deletes a user's configs, update records and
// credentials. Account deletion path.
func (r *Registry) RemoveUser(ctx context.Context, userID string) error {
	return r.Repo.DeleteUserData(ctx, userID)
}
