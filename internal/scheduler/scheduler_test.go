package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fanwatch/internal/cache"
	"fanwatch/internal/config"
	"fanwatch/internal/credential"
	"fanwatch/internal/models"
	"fanwatch/internal/notify"
	"fanwatch/internal/platform"
	"fanwatch/internal/registry"
)

type stubAdapter struct {
	mu      sync.Mutex
	name    string
	items   []platform.Item
	err     error
	failN   int
	fetches int
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) FetchLatest(ctx context.Context, accessToken, targetExternalID string, count int) ([]platform.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.failN > 0 {
		a.failN--
		return nil, &platform.Error{Kind: platform.KindTransient, Platform: a.name, Msg: "flaky"}
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.items, nil
}

func (a *stubAdapter) Refresh(ctx context.Context, refreshToken string) (platform.Token, error) {
	return platform.Token{}, errors.New("refresh not expected")
}

func (a *stubAdapter) setItems(items []platform.Item) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = items
}

func (a *stubAdapter) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

type stubProvider struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	failN int
}

func (p *stubProvider) Send(ctx context.Context, openID, templateID string, fields map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failN > 0 {
		p.failN--
		return p.fail
	}
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, fields["thing2"])
	return nil
}

func (p *stubProvider) sentTitles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func window(ids ...string) []platform.Item {
	items := make([]platform.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, platform.Item{ID: id, Title: id})
	}
	return items
}

type fixture struct {
	repo       *stubRepo
	adapter    *stubAdapter
	provider   *stubProvider
	dispatcher *notify.Dispatcher
	sched      *Scheduler
}

func newFixture(plat string) *fixture {
	repo := newStubRepo()
	adapter := &stubAdapter{name: plat}
	provider := &stubProvider{}
	store := cache.NewMemoryStore()
	dispatcher := &notify.Dispatcher{
		Repo:     repo,
		Cache:    store,
		Provider: provider,
	}
	reg := &registry.Registry{Repo: repo}
	creds := &credential.Manager{
		Repo:     repo,
		Adapters: map[string]platform.Adapter{plat: adapter},
	}
	sched := &Scheduler{
		Registry:    reg,
		Credentials: creds,
		Adapters:    map[string]platform.Adapter{plat: adapter},
		Dispatcher:  dispatcher,
		Repo:        repo,
		Logger:      nil,
		Cfg: config.SchedulerConfig{
			TickLimit:        50,
			Workers:          2,
			FetchCount:       10,
			TransientRetries: 2,
			RetryBaseDelay:   time.Millisecond,
		},
	}
	return &fixture{repo: repo, adapter: adapter, provider: provider, dispatcher: dispatcher, sched: sched}
}

func (f *fixture) addSubscription(userID string, targetID uint64, plat string) *models.MonitorConfig {
	f.repo.addTarget(models.Target{ID: targetID, Platform: plat, ExternalID: "ext-1", Name: "Artist"})
	return f.repo.addConfig(models.MonitorConfig{
		UserID:        userID,
		TargetID:      targetID,
		Platform:      plat,
		IsActive:      true,
		CheckInterval: 5,
		PushEnabled:   true,
		LastCheckTime: time.Now().Add(-time.Hour),
		SuccessRate:   100,
	})
}

func TestRunPass_BaselineThenDetects(t *testing.T) {
	f := newFixture(models.PlatformQQMusic)
	cfg := f.addSubscription("u1", 1, models.PlatformQQMusic)
	if err := f.dispatcher.Subscribe(context.Background(), "u1", "open-1", "", ""); err != nil {
		t.Fatal(err)
	}

	// First check is the baseline: adopt the cursor, report nothing.
	f.adapter.setItems(window("v3", "v2", "v1"))
	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("pass 1: %v", err)
	}
	got, _ := f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.LastItemID != "v3" {
		t.Fatalf("cursor=%q want v3", got.LastItemID)
	}
	if got.NewItemCount != 0 {
		t.Fatalf("baseline produced %d items", got.NewItemCount)
	}
	if titles := f.provider.sentTitles(); len(titles) != 0 {
		t.Fatalf("baseline pushed %v", titles)
	}

	// Two new items appear; both are persisted and pushed oldest first.
	f.adapter.setItems(window("v5", "v4", "v3", "v2"))
	f.makeDue(t, cfg.ID)
	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("pass 2: %v", err)
	}
	got, _ = f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.LastItemID != "v5" {
		t.Fatalf("cursor=%q want v5", got.LastItemID)
	}
	if got.NewItemCount != 2 {
		t.Fatalf("new items=%d want 2", got.NewItemCount)
	}
	if got.PushCount != 2 {
		t.Fatalf("push count=%d want 2", got.PushCount)
	}
	titles := f.provider.sentTitles()
	if len(titles) != 2 || titles[0] != "v4" || titles[1] != "v5" {
		t.Fatalf("pushed=%v want [v4 v5]", titles)
	}

	// Same window again: detection is idempotent.
	f.makeDue(t, cfg.ID)
	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("pass 3: %v", err)
	}
	got, _ = f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.NewItemCount != 2 {
		t.Fatalf("repeat pass added items, total=%d", got.NewItemCount)
	}
}

func (f *fixture) makeDue(t *testing.T, configID uint64) {
	t.Helper()
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	cfg, ok := f.repo.configs[configID]
	if !ok {
		t.Fatalf("config %d missing", configID)
	}
	cfg.LastCheckTime = time.Now().Add(-time.Hour)
}

func TestRunPass_MissingCredentialRecordsError(t *testing.T) {
	f := newFixture(models.PlatformDouyin)
	cfg := f.addSubscription("u1", 1, models.PlatformDouyin)

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	got, _ := f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.ErrorCount != 1 {
		t.Fatalf("error count=%d want 1", got.ErrorCount)
	}
	if got.CheckCount != 1 {
		t.Fatalf("check count=%d want 1", got.CheckCount)
	}
	if f.adapter.fetchCount() != 0 {
		t.Fatalf("fetch attempted without credential")
	}
	if got.SuccessRate != 0 {
		t.Fatalf("success rate=%v want 0", got.SuccessRate)
	}
}

func TestRunPass_CredentialResolvedOncePerPlatform(t *testing.T) {
	f := newFixture(models.PlatformDouyin)
	cfg1 := f.addSubscription("u1", 1, models.PlatformDouyin)
	f.repo.addTarget(models.Target{ID: 2, Platform: models.PlatformDouyin, ExternalID: "ext-2", Name: "Other"})
	cfg2 := f.repo.addConfig(models.MonitorConfig{
		UserID:        "u1",
		TargetID:      2,
		Platform:      models.PlatformDouyin,
		IsActive:      true,
		CheckInterval: 5,
		LastCheckTime: time.Now().Add(-time.Hour),
	})

	// No credential: both configs of the group fail without separate
	// refresh attempts, and the adapter is never called.
	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	for _, id := range []uint64{cfg1.ID, cfg2.ID} {
		got, _ := f.repo.GetMonitorConfigByID(context.Background(), id)
		if got.ErrorCount != 1 {
			t.Fatalf("config %d error count=%d want 1", id, got.ErrorCount)
		}
	}
	if f.adapter.fetchCount() != 0 {
		t.Fatalf("fetch attempted without credential")
	}
}

func TestRunPass_TransientFetchRetries(t *testing.T) {
	f := newFixture(models.PlatformQQMusic)
	cfg := f.addSubscription("u1", 1, models.PlatformQQMusic)
	f.adapter.setItems(window("v1"))
	f.adapter.failN = 1

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	got, _ := f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.ErrorCount != 0 {
		t.Fatalf("error count=%d want 0 after retry", got.ErrorCount)
	}
	if got.LastItemID != "v1" {
		t.Fatalf("cursor=%q want v1", got.LastItemID)
	}
	if f.adapter.fetchCount() != 2 {
		t.Fatalf("fetches=%d want 2", f.adapter.fetchCount())
	}
}

func TestRunPass_FailedPersistKeepsCursor(t *testing.T) {
	f := newFixture(models.PlatformQQMusic)
	cfg := f.addSubscription("u1", 1, models.PlatformQQMusic)

	f.adapter.setItems(window("v3", "v2", "v1"))
	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	// v4 persists, v5 fails. The cursor must stay at v3 so the next
	// tick sees the window again.
	f.adapter.setItems(window("v5", "v4", "v3"))
	f.repo.mu.Lock()
	f.repo.insertErrOn = "v5"
	f.repo.mu.Unlock()
	f.makeDue(t, cfg.ID)
	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("failing pass: %v", err)
	}
	got, _ := f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.LastItemID != "v3" {
		t.Fatalf("cursor=%q want v3 after persist failure", got.LastItemID)
	}
	if got.ErrorCount != 1 {
		t.Fatalf("error count=%d want 1", got.ErrorCount)
	}

	// Recovered: v5 is picked up, v4 is not duplicated.
	f.makeDue(t, cfg.ID)
	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	got, _ = f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.LastItemID != "v5" {
		t.Fatalf("cursor=%q want v5", got.LastItemID)
	}
	if got.NewItemCount != 2 {
		t.Fatalf("new items=%d want 2", got.NewItemCount)
	}
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	if len(f.repo.updates) != 2 {
		t.Fatalf("update records=%d want 2", len(f.repo.updates))
	}
}

func TestRunPass_RateLimitAdvancesCheckTime(t *testing.T) {
	f := newFixture(models.PlatformQQMusic)
	cfg := f.addSubscription("u1", 1, models.PlatformQQMusic)
	f.adapter.err = &platform.Error{Kind: platform.KindRateLimited, Platform: models.PlatformQQMusic, Msg: "slow down"}
	before := time.Now().Add(-time.Minute)

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	got, _ := f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.ErrorCount != 1 {
		t.Fatalf("error count=%d want 1", got.ErrorCount)
	}
	if !got.LastCheckTime.After(before) {
		t.Fatalf("check time did not advance: %v", got.LastCheckTime)
	}
	// Rate limits are not retried in place.
	if f.adapter.fetchCount() != 1 {
		t.Fatalf("fetches=%d want 1", f.adapter.fetchCount())
	}
}

func TestRunPass_SkipsWhileRunning(t *testing.T) {
	f := newFixture(models.PlatformQQMusic)
	f.sched.running.Store(true)
	if err := f.sched.RunPass(context.Background()); !errors.Is(err, ErrPassRunning) {
		t.Fatalf("err=%v want ErrPassRunning", err)
	}
}

func TestRunPass_AutoPauseAfterThreshold(t *testing.T) {
	f := newFixture(models.PlatformQQMusic)
	f.sched.Cfg.ErrorPauseThreshold = 2
	cfg := f.addSubscription("u1", 1, models.PlatformQQMusic)
	f.adapter.err = &platform.Error{Kind: platform.KindPermanent, Platform: models.PlatformQQMusic, Msg: "gone"}

	for i := 0; i < 2; i++ {
		f.makeDue(t, cfg.ID)
		if err := f.sched.RunPass(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	got, _ := f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.IsActive {
		t.Fatalf("config still active after %d errors", got.ErrorCount)
	}
}

func TestCheckNow_UnknownConfig(t *testing.T) {
	f := newFixture(models.PlatformQQMusic)
	_, err := f.sched.CheckNow(context.Background(), "nobody", 99)
	if !errors.Is(err, registry.ErrConfigNotFound) {
		t.Fatalf("err=%v want ErrConfigNotFound", err)
	}
}

func TestCheckNow_RunsRegardlessOfInterval(t *testing.T) {
	f := newFixture(models.PlatformQQMusic)
	cfg := f.addSubscription("u1", 1, models.PlatformQQMusic)
	f.repo.mu.Lock()
	f.repo.configs[cfg.ID].LastCheckTime = time.Now()
	f.repo.mu.Unlock()

	f.adapter.setItems(window("v1"))
	outcome, err := f.sched.CheckNow(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if outcome.NewItems != 0 {
		t.Fatalf("baseline check-now reported %d items", outcome.NewItems)
	}
	got, _ := f.repo.GetMonitorConfigByID(context.Background(), cfg.ID)
	if got.LastItemID != "v1" {
		t.Fatalf("cursor=%q want v1", got.LastItemID)
	}
}

func TestRunPrune(t *testing.T) {
	f := newFixture(models.PlatformQQMusic)
	f.sched.Retention = time.Hour
	old := time.Now().Add(-2 * time.Hour)
	read := old
	f.repo.mu.Lock()
	f.repo.updates[1] = &models.UpdateRecord{ID: 1, UserID: "u1", ItemID: "a", IsRead: true, ReadTime: &read, DetectedAt: old}
	f.repo.updates[2] = &models.UpdateRecord{ID: 2, UserID: "u1", ItemID: "b", IsRead: true, IsFavorite: true, DetectedAt: old}
	f.repo.updates[3] = &models.UpdateRecord{ID: 3, UserID: "u1", ItemID: "c", DetectedAt: time.Now()}
	f.repo.mu.Unlock()

	if err := f.sched.RunPrune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	if _, ok := f.repo.updates[1]; ok {
		t.Fatal("old read record survived prune")
	}
	if _, ok := f.repo.updates[2]; !ok {
		t.Fatal("favorite record was pruned")
	}
	if _, ok := f.repo.updates[3]; !ok {
		t.Fatal("recent record was pruned")
	}
}
