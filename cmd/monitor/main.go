package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fanwatch/internal/cache"
	"fanwatch/internal/config"
	"fanwatch/internal/credential"
	cronrunner "fanwatch/internal/cron"
	"fanwatch/internal/db"
	"fanwatch/internal/handler"
	"fanwatch/internal/logger"
	"fanwatch/internal/notify"
	"fanwatch/internal/platform"
	"fanwatch/internal/platform/douyin"
	"fanwatch/internal/platform/qqmusic"
	"fanwatch/internal/registry"
	gormrepository "fanwatch/internal/repository/gorm"
	"fanwatch/internal/scheduler"
)

func main() {
	cfgPath := os.Getenv("FW_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("FW_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	var cacheStore cache.Store
	if strings.EqualFold(cfg.Cache.Backend, "memory") {
		logger.Warn("using in-memory cache, subscription state will not survive restarts")
		cacheStore = cache.NewMemoryStore()
	} else {
		cacheStore = cache.NewRedisStore(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
	}

	douyinHTTP := &http.Client{Timeout: cfg.Douyin.Timeout}
	douyinClient := douyin.NewClient(douyinHTTP, cfg.Douyin.BaseURL, cfg.Douyin.ClientKey, cfg.Douyin.ClientSecret)
	qqmusicHTTP := &http.Client{Timeout: cfg.QQMusic.Timeout}
	qqmusicClient := qqmusic.NewClient(qqmusicHTTP, cfg.QQMusic.BaseURL)

	adapters := map[string]platform.Adapter{
		douyinClient.Name():  &platform.CachingAdapter{Adapter: douyinClient, Cache: cacheStore, TTL: cfg.Douyin.CacheTTL},
		qqmusicClient.Name(): &platform.CachingAdapter{Adapter: qqmusicClient, Cache: cacheStore, TTL: cfg.QQMusic.CacheTTL},
	}

	store := gormrepository.New(dbConn.Gorm)
	credentials := &credential.Manager{
		Repo:     store,
		Adapters: adapters,
		Logger:   logger,
	}
	reg := &registry.Registry{Repo: store, Logger: logger}

	provider := &notify.WeChatProvider{
		Host:       cfg.Push.BaseURL,
		AppID:      cfg.Push.AppID,
		AppSecret:  cfg.Push.AppSecret,
		HTTPClient: &http.Client{Timeout: cfg.Push.Timeout},
		Cache:      cacheStore,
	}
	dispatcher := &notify.Dispatcher{
		Repo:              store,
		Cache:             cacheStore,
		Provider:          provider,
		Logger:            logger,
		TemplateID:        cfg.Push.TemplateID,
		SubscriptionTTL:   cfg.Push.SubscriptionTTL,
		DefaultQuietStart: cfg.Push.QuietStart,
		DefaultQuietEnd:   cfg.Push.QuietEnd,
	}

	sched := &scheduler.Scheduler{
		Registry:    reg,
		Credentials: credentials,
		Adapters:    adapters,
		Dispatcher:  dispatcher,
		Repo:        store,
		Logger:      logger,
		Cfg:         cfg.Scheduler,
		Retention:   cfg.Retention.Updates,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	monitorHandler := &handler.MonitorHandler{Registry: reg, Scheduler: sched, Repo: store}
	monitorHandler.Register(engine)
	updateHandler := &handler.UpdateHandler{Repo: store}
	updateHandler.Register(engine)
	notificationHandler := &handler.NotificationHandler{Dispatcher: dispatcher}
	notificationHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger, ctx)
		if _, err := cronRunner.Add("monitor-pass", cfg.Cron.MonitorPass, func(ctx context.Context) {
			if err := sched.RunPass(ctx); err != nil {
				logger.Warn("monitor pass failed", zap.Error(err))
			}
		}); err != nil {
			logger.Fatal("cron register monitor pass failed", zap.Error(err))
		}
		if _, err := cronRunner.Add("resend-sweep", cfg.Cron.ResendSweep, func(ctx context.Context) {
			if err := sched.RunResendSweep(ctx); err != nil {
				logger.Warn("resend sweep failed", zap.Error(err))
			}
		}); err != nil {
			logger.Warn("cron register resend sweep failed", zap.Error(err))
		}
		if _, err := cronRunner.Add("prune-updates", cfg.Cron.Prune, func(ctx context.Context) {
			if err := sched.RunPrune(ctx); err != nil {
				logger.Warn("prune failed", zap.Error(err))
			}
		}); err != nil {
			logger.Warn("cron register prune failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
