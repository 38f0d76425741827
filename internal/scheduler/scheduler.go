// Package scheduler drives the periodic check pass: it pulls due configs,
// groups them per user, fetches through the platform adapters and hands
// fresh items to the push dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fanwatch/internal/config"
	"fanwatch/internal/credential"
	"fanwatch/internal/detector"
	"fanwatch/internal/models"
	"fanwatch/internal/notify"
	"fanwatch/internal/platform"
	"fanwatch/internal/registry"
	"fanwatch/internal/repository"
)

// ErrPassRunning is returned when a pass is requested while the previous
// one has not finished.
var ErrPassRunning = errors.New("scheduler: pass already running")

// ErrUnknownPlatform is returned when a config references a platform no
// adapter is registered for.
var ErrUnknownPlatform = errors.New("scheduler: unknown platform")

const resendSweepLimit = 200

// CheckOutcome summarizes one config check for callers that asked for it
// explicitly.
type CheckOutcome struct {
	NewItems int `json:"new_items"`
	Pushed   int `json:"pushed"`
}

type Scheduler struct {
	Registry    *registry.Registry
	Credentials *credential.Manager
	Adapters    map[string]platform.Adapter
	Dispatcher  *notify.Dispatcher
	Repo        repository.Repository
	Logger      *zap.Logger
	Cfg         config.SchedulerConfig
	Retention   time.Duration

	running atomic.Bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func (s *Scheduler) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Scheduler) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if s.sleep != nil {
		s.sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunPass executes one scheduling tick. If the previous pass is still in
// flight it returns ErrPassRunning instead of piling up; the next tick
// picks the work back up because due-ness is derived from last_check_time.
func (s *Scheduler) RunPass(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		if s.Logger != nil {
			s.Logger.Warn("pass skipped, previous still running")
		}
		return ErrPassRunning
	}
	defer s.running.Store(false)

	if s.Cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Cfg.PassTimeout)
		defer cancel()
	}

	started := s.clock()
	due, err := s.Registry.ListDue(ctx, started, s.Cfg.TickLimit)
	if err != nil {
		return fmt.Errorf("scheduler: list due configs: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	targets, err := s.loadTargets(ctx, due)
	if err != nil {
		return fmt.Errorf("scheduler: load targets: %w", err)
	}

	// Group by user so one user's credential is resolved once and their
	// targets are paced as a unit.
	order := make([]string, 0, len(due))
	byUser := make(map[string][]models.MonitorConfig)
	for _, cfg := range due {
		if _, ok := byUser[cfg.UserID]; !ok {
			order = append(order, cfg.UserID)
		}
		byUser[cfg.UserID] = append(byUser[cfg.UserID], cfg)
	}

	workers := s.Cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for i, userID := range order {
		if i > 0 {
			s.pause(gctx, s.Cfg.UserPacing)
		}
		userID := userID
		configs := byUser[userID]
		group.Go(func() error {
			s.processUser(gctx, userID, configs, targets)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if s.Logger != nil {
		s.Logger.Info("pass finished",
			zap.Int("due", len(due)),
			zap.Int("users", len(order)),
			zap.Duration("took", s.clock().Sub(started)),
		)
	}
	return nil
}

func (s *Scheduler) loadTargets(ctx context.Context, configs []models.MonitorConfig) (map[uint64]models.Target, error) {
	seen := make(map[uint64]bool, len(configs))
	ids := make([]uint64, 0, len(configs))
	for _, cfg := range configs {
		if !seen[cfg.TargetID] {
			seen[cfg.TargetID] = true
			ids = append(ids, cfg.TargetID)
		}
	}
	targets, err := s.Repo.ListTargetsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]models.Target, len(targets))
	for _, t := range targets {
		out[t.ID] = t
	}
	return out, nil
}

// processUser walks one user's due configs sequentially. Credentials are
// resolved once per platform; an expired credential fails every config on
// that platform in this pass without burning refresh attempts per target.
func (s *Scheduler) processUser(ctx context.Context, userID string, configs []models.MonitorConfig, targets map[uint64]models.Target) {
	tokens := make(map[string]string)
	dead := make(map[string]error)
	pushedAny := false

	for i := range configs {
		cfg := &configs[i]
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			s.pause(ctx, s.Cfg.TargetPacing)
		}

		token, ok := tokens[cfg.Platform]
		if !ok {
			if prior, failed := dead[cfg.Platform]; failed {
				s.recordFailure(ctx, cfg.ID, prior)
				continue
			}
			tok, err := s.Credentials.EnsureUsable(ctx, userID, cfg.Platform)
			if err != nil {
				dead[cfg.Platform] = err
				s.recordFailure(ctx, cfg.ID, err)
				if s.Logger != nil {
					s.Logger.Warn("credential unusable",
						zap.String("user", userID),
						zap.String("platform", cfg.Platform),
						zap.Error(err),
					)
				}
				continue
			}
			tokens[cfg.Platform] = tok
			token = tok
		}

		target, ok := targets[cfg.TargetID]
		if !ok {
			s.recordFailure(ctx, cfg.ID, fmt.Errorf("target %d not found", cfg.TargetID))
			continue
		}

		outcome, err := s.checkConfig(ctx, cfg, &target, token)
		if err != nil && s.Logger != nil {
			s.Logger.Warn("check failed",
				zap.Uint64("config", cfg.ID),
				zap.String("platform", cfg.Platform),
				zap.Error(err),
			)
		}
		if outcome != nil && outcome.Pushed > 0 {
			pushedAny = true
		}
	}

	// New activity for this user is a natural moment to retry earlier
	// sends that failed transiently.
	if pushedAny && s.Dispatcher != nil {
		if err := s.Dispatcher.ResendUnpushed(ctx, userID, models.MaxPushRetries*10); err != nil && s.Logger != nil {
			s.Logger.Debug("opportunistic resend failed", zap.String("user", userID), zap.Error(err))
		}
	}
}

// checkConfig runs the fetch-diff-persist-notify pipeline for one config
// under its per-config lock. The caller already resolved the token.
func (s *Scheduler) checkConfig(ctx context.Context, cfg *models.MonitorConfig, target *models.Target, token string) (*CheckOutcome, error) {
	unlock := s.Registry.Lock(cfg.ID)
	defer unlock()

	// Re-read under the lock: a manual check may have advanced the cursor
	// while this config waited in the pass.
	fresh, err := s.Repo.GetMonitorConfigByID(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}
	if !fresh.IsActive {
		return nil, nil
	}
	cfg = fresh

	fetched, err := s.fetchWithRetry(ctx, cfg.Platform, token, target.ExternalID)
	if err != nil {
		s.recordFailure(ctx, cfg.ID, err)
		return nil, err
	}

	detected, cursor := detector.Diff(fetched, cfg.LastItemID)
	filtered := detector.ApplyFilters(detected, cfg)

	detectedAt := s.clock()
	var inserted []models.UpdateRecord
	for _, item := range filtered {
		rec := models.UpdateRecord{
			UserID:       cfg.UserID,
			ItemID:       item.ID,
			ConfigID:     cfg.ID,
			TargetID:     cfg.TargetID,
			Platform:     cfg.Platform,
			Title:        item.Title,
			Description:  item.Description,
			CoverURL:     item.CoverURL,
			ItemURL:      item.ItemURL,
			Duration:     item.Duration,
			PublishTime:  item.PublishTime,
			PlayCount:    item.PlayCount,
			LikeCount:    item.LikeCount,
			CommentCount: item.CommentCount,
			ShareCount:   item.ShareCount,
			DetectedAt:   detectedAt,
		}
		created, err := s.Repo.InsertUpdateRecord(ctx, &rec)
		if err != nil {
			// Keep the cursor so the next tick retries the window. The
			// (user, item) uniqueness makes re-inserting already-persisted
			// items a no-op.
			_ = s.Registry.RecordCheck(ctx, cfg.ID, "", int64(len(inserted)), fmt.Errorf("persist update: %w", err))
			return nil, fmt.Errorf("persist update: %w", err)
		}
		if created {
			inserted = append(inserted, rec)
		}
	}

	if err := s.Registry.RecordCheck(ctx, cfg.ID, cursor, int64(len(inserted)), nil); err != nil {
		return nil, fmt.Errorf("record check: %w", err)
	}

	outcome := &CheckOutcome{NewItems: len(inserted)}
	if cfg.PushEnabled && s.Dispatcher != nil {
		for i := range inserted {
			res, err := s.Dispatcher.Notify(ctx, cfg.UserID, &inserted[i], target.Name)
			if err != nil && s.Logger != nil {
				s.Logger.Debug("push failed",
					zap.Uint64("record", inserted[i].ID),
					zap.Error(err),
				)
			}
			if res == notify.OutcomeSent {
				outcome.Pushed++
				if err := s.Registry.RecordPush(ctx, cfg.ID); err != nil && s.Logger != nil {
					s.Logger.Warn("record push failed", zap.Uint64("config", cfg.ID), zap.Error(err))
				}
			}
			if res == notify.OutcomeNotSubscribed || res == notify.OutcomeQuietHours {
				break
			}
		}
	}

	if s.Logger != nil && outcome.NewItems > 0 {
		s.Logger.Info("updates detected",
			zap.Uint64("config", cfg.ID),
			zap.String("platform", cfg.Platform),
			zap.Int("new_items", outcome.NewItems),
			zap.Int("pushed", outcome.Pushed),
		)
	}
	return outcome, nil
}

// fetchWithRetry retries transient fetch failures with exponential backoff.
// Rate-limit, auth and permanent errors surface immediately.
func (s *Scheduler) fetchWithRetry(ctx context.Context, plat, token, externalID string) ([]platform.Item, error) {
	adapter, ok := s.Adapters[plat]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, plat)
	}

	count := s.Cfg.FetchCount
	if count <= 0 {
		count = 10
	}
	base := s.Cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}

	var items []platform.Item
	backoff := retry.WithMaxRetries(uint64(s.Cfg.TransientRetries), retry.NewExponential(base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		fetched, err := adapter.FetchLatest(ctx, token, externalID, count)
		if err != nil {
			if platform.KindOf(err) == platform.KindTransient {
				return retry.RetryableError(err)
			}
			return err
		}
		items = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// recordFailure writes the error into the config's status. The check time
// still advances, so a target that keeps failing (rate limits included)
// does not get hammered every tick.
func (s *Scheduler) recordFailure(ctx context.Context, configID uint64, cause error) {
	if err := s.Registry.RecordCheck(ctx, configID, "", 0, cause); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("record failure failed", zap.Uint64("config", configID), zap.Error(err))
		}
		return
	}
	s.maybePause(ctx, configID)
}

// maybePause deactivates a config whose consecutive error count crossed
// the configured threshold. Disabled when the threshold is zero.
func (s *Scheduler) maybePause(ctx context.Context, configID uint64) {
	if s.Cfg.ErrorPauseThreshold <= 0 {
		return
	}
	cfg, err := s.Repo.GetMonitorConfigByID(ctx, configID)
	if err != nil || !cfg.IsActive {
		return
	}
	if cfg.ErrorCount < int64(s.Cfg.ErrorPauseThreshold) {
		return
	}
	if err := s.Registry.Pause(ctx, configID); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("auto-pause failed", zap.Uint64("config", configID), zap.Error(err))
		}
		return
	}
	if s.Logger != nil {
		s.Logger.Warn("config auto-paused after repeated errors",
			zap.Uint64("config", configID),
			zap.Int64("error_count", cfg.ErrorCount),
		)
	}
}

// CheckNow runs the pipeline for a single (user, target) pair immediately,
// regardless of its interval.
func (s *Scheduler) CheckNow(ctx context.Context, userID string, targetID uint64) (*CheckOutcome, error) {
	cfg, err := s.Registry.Get(ctx, userID, targetID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, registry.ErrConfigNotFound
	}

	target, err := s.Repo.GetTargetByID(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load target: %w", err)
	}

	token, err := s.Credentials.EnsureUsable(ctx, userID, cfg.Platform)
	if err != nil {
		s.recordFailure(ctx, cfg.ID, err)
		return nil, err
	}

	return s.checkConfig(ctx, cfg, target, token)
}

// RunResendSweep retries unpushed records across all users. Cron entry.
func (s *Scheduler) RunResendSweep(ctx context.Context) error {
	if s.Dispatcher == nil {
		return nil
	}
	return s.Dispatcher.ResendUnpushed(ctx, "", resendSweepLimit)
}

// RunPrune deletes read, non-favorite update records older than the
// retention window. Cron entry.
func (s *Scheduler) RunPrune(ctx context.Context) error {
	if s.Retention <= 0 {
		return nil
	}
	deleted, err := s.Repo.PruneUpdates(ctx, s.clock().Add(-s.Retention))
	if err != nil {
		return fmt.Errorf("scheduler: prune updates: %w", err)
	}
	if deleted > 0 && s.Logger != nil {
		s.Logger.Info("old updates pruned", zap.Int64("deleted", deleted))
	}
	return nil
}
