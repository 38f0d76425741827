// Package notify holds per-user push-subscription state in the cache and
// drives best-effort delivery with quiet-hours suppression, a bounded
// retry counter, and revocation on permanent provider rejection.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fanwatch/internal/cache"
	"fanwatch/internal/models"
	"fanwatch/internal/repository"
)

// Outcome of one Notify call. Suppressions are outcomes, not errors: a
// send skipped for quiet hours is distinguishable from a failed send.
type Outcome string

const (
	OutcomeSent          Outcome = "sent"
	OutcomeNotSubscribed Outcome = "not_subscribed"
	OutcomeQuietHours    Outcome = "quiet_hours"
	OutcomeFailed        Outcome = "failed"
)

const (
	defaultSubscriptionTTL = 30 * 24 * time.Hour
	historyCap             = 100
	fieldMaxLen            = 20
)

type subscriptionInfo struct {
	OpenID       string    `json:"open_id"`
	QuietStart   string    `json:"quiet_start"`
	QuietEnd     string    `json:"quiet_end"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

type HistoryEntry struct {
	ItemID     string    `json:"item_id"`
	TargetName string    `json:"target_name"`
	Title      string    `json:"title"`
	SentAt     time.Time `json:"sent_at"`
}

type Dispatcher struct {
	Repo     repository.Repository
	Cache    cache.Store
	Provider Provider
	Logger   *zap.Logger

	TemplateID      string
	SubscriptionTTL time.Duration
	// Default allowed push window, used when the subscription carries
	// no explicit one. May wrap midnight (start > end).
	DefaultQuietStart string
	DefaultQuietEnd   string

	now func() time.Time
}

func subKey(userID string) string     { return "notify:sub:" + userID }
func infoKey(userID string) string    { return "notify:info:" + userID }
func historyKey(userID string) string { return "notify:history:" + userID }

func (d *Dispatcher) ttl() time.Duration {
	if d.SubscriptionTTL > 0 {
		return d.SubscriptionTTL
	}
	return defaultSubscriptionTTL
}

func (d *Dispatcher) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// Subscribe records that the user accepts pushes, for the subscription TTL.
func (d *Dispatcher) Subscribe(ctx context.Context, userID, openID, quietStart, quietEnd string) error {
	info := subscriptionInfo{
		OpenID:       openID,
		QuietStart:   quietStart,
		QuietEnd:     quietEnd,
		SubscribedAt: d.clock().UTC(),
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("notify: encode subscription: %w", err)
	}
	if err := d.Cache.Set(ctx, subKey(userID), []byte("1"), d.ttl()); err != nil {
		return fmt.Errorf("notify: store subscription: %w", err)
	}
	if err := d.Cache.Set(ctx, infoKey(userID), raw, d.ttl()); err != nil {
		return fmt.Errorf("notify: store subscription info: %w", err)
	}
	if d.Logger != nil {
		d.Logger.Info("push subscription stored", zap.String("user", userID))
	}
	return nil
}

// Unsubscribe drops the subscription; future Notify calls become no-ops.
func (d *Dispatcher) Unsubscribe(ctx context.Context, userID string) error {
	if err := d.Cache.Delete(ctx, subKey(userID)); err != nil {
		return fmt.Errorf("notify: drop subscription: %w", err)
	}
	if err := d.Cache.Delete(ctx, infoKey(userID)); err != nil {
		return fmt.Errorf("notify: drop subscription info: %w", err)
	}
	return nil
}

// Subscribed reports whether the user currently accepts pushes. Cache
// absence means no.
func (d *Dispatcher) Subscribed(ctx context.Context, userID string) (bool, error) {
	_, found, err := d.Cache.Get(ctx, subKey(userID))
	if err != nil {
		return false, fmt.Errorf("notify: read subscription: %w", err)
	}
	return found, nil
}

func (d *Dispatcher) info(ctx context.Context, userID string) subscriptionInfo {
	info := subscriptionInfo{}
	if raw, found, err := d.Cache.Get(ctx, infoKey(userID)); err == nil && found {
		_ = json.Unmarshal(raw, &info)
	}
	if info.QuietStart == "" || info.QuietEnd == "" {
		info.QuietStart = d.DefaultQuietStart
		info.QuietEnd = d.DefaultQuietEnd
	}
	return info
}

// Notify sends one push for a freshly persisted update record. There is no
// deferral queue: a send suppressed by quiet hours simply does not happen,
// and the unread record is the user's catch-up path.
func (d *Dispatcher) Notify(ctx context.Context, userID string, rec *models.UpdateRecord, targetName string) (Outcome, error) {
	subscribed, err := d.Subscribed(ctx, userID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !subscribed {
		return OutcomeNotSubscribed, nil
	}

	info := d.info(ctx, userID)
	if !inPushWindow(d.clock(), info.QuietStart, info.QuietEnd) {
		return OutcomeQuietHours, nil
	}

	fields := map[string]string{
		"thing1": truncate(targetName, fieldMaxLen),
		"thing2": truncate(rec.Title, fieldMaxLen),
		"time3":  d.clock().Format("2006-01-02 15:04"),
		"thing4": "点击查看详情",
	}
	sendErr := d.Provider.Send(ctx, info.OpenID, d.TemplateID, fields)
	if sendErr == nil {
		now := d.clock().UTC()
		if err := d.Repo.MarkUpdatePushed(ctx, rec.ID, now); err != nil && d.Logger != nil {
			d.Logger.Warn("mark pushed failed", zap.Uint64("record", rec.ID), zap.Error(err))
		}
		d.appendHistory(ctx, userID, HistoryEntry{
			ItemID:     rec.ItemID,
			TargetName: targetName,
			Title:      rec.Title,
			SentAt:     now,
		})
		return OutcomeSent, nil
	}

	var pe *ProviderError
	if errors.As(sendErr, &pe) && pe.Permanent {
		// The user revoked the subscription at the provider; drop ours
		// so later configs stop attempting sends.
		if err := d.Unsubscribe(ctx, userID); err != nil && d.Logger != nil {
			d.Logger.Warn("auto-unsubscribe failed", zap.String("user", userID), zap.Error(err))
		}
		if d.Logger != nil {
			d.Logger.Warn("push subscription revoked by provider",
				zap.String("user", userID),
				zap.Int("code", pe.Code),
			)
		}
		return OutcomeFailed, sendErr
	}

	// Transient: bump the retry counter and leave the record unpushed
	// for an opportunistic resend. No dedicated retry timer.
	if rec.PushRetryCount < models.MaxPushRetries {
		if err := d.Repo.IncrementPushRetry(ctx, rec.ID, d.clock().UTC()); err != nil && d.Logger != nil {
			d.Logger.Warn("increment push retry failed", zap.Uint64("record", rec.ID), zap.Error(err))
		}
	}
	return OutcomeFailed, sendErr
}

// ResendUnpushed retries a user's unpushed records that are still under
// the retry cap. Triggered when new activity for that user comes through
// and by the slow cron sweep (empty userID sweeps all users).
func (d *Dispatcher) ResendUnpushed(ctx context.Context, userID string, limit int) error {
	records, err := d.Repo.ListUnpushedUpdates(ctx, userID, limit)
	if err != nil {
		return fmt.Errorf("notify: list unpushed: %w", err)
	}
	for i := range records {
		rec := &records[i]
		name := d.targetName(ctx, rec.TargetID)
		outcome, err := d.Notify(ctx, rec.UserID, rec, name)
		if err != nil && d.Logger != nil {
			d.Logger.Debug("resend failed", zap.Uint64("record", rec.ID), zap.Error(err))
		}
		if outcome == OutcomeNotSubscribed || outcome == OutcomeQuietHours {
			// Nothing else for this user will go through right now.
			if userID != "" {
				return nil
			}
		}
	}
	return nil
}

func (d *Dispatcher) targetName(ctx context.Context, targetID uint64) string {
	target, err := d.Repo.GetTargetByID(ctx, targetID)
	if err != nil || target == nil {
		return ""
	}
	return target.Name
}

// History returns the most recent sends, newest first.
func (d *Dispatcher) History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}
	raw, found, err := d.Cache.Get(ctx, historyKey(userID))
	if err != nil {
		return nil, fmt.Errorf("notify: read history: %w", err)
	}
	if !found {
		return nil, nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (d *Dispatcher) appendHistory(ctx context.Context, userID string, entry HistoryEntry) {
	var entries []HistoryEntry
	if raw, found, err := d.Cache.Get(ctx, historyKey(userID)); err == nil && found {
		_ = json.Unmarshal(raw, &entries)
	}
	entries = append([]HistoryEntry{entry}, entries...)
	if len(entries) > historyCap {
		entries = entries[:historyCap]
	}
	if raw, err := json.Marshal(entries); err == nil {
		_ = d.Cache.Set(ctx, historyKey(userID), raw, d.ttl())
	}
}

// inPushWindow reports whether now falls inside the allowed window.
// Windows are "HH:MM" pairs and may wrap midnight (e.g. 20:00–02:00).
func inPushWindow(now time.Time, start, end string) bool {
	if start == "" || end == "" {
		return true
	}
	cur := now.Format("15:04")
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}
