package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Cron      CronConfig      `mapstructure:"cron"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Douyin    DouyinConfig    `mapstructure:"douyin"`
	QQMusic   QQMusicConfig   `mapstructure:"qqmusic"`
	Push      PushConfig      `mapstructure:"push"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CacheConfig struct {
	// Backend is "redis" or "memory". Memory is for dev/tests only.
	Backend  string `mapstructure:"backend"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CronConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MonitorPass string `mapstructure:"monitor_pass"`
	ResendSweep string `mapstructure:"resend_sweep"`
	Prune       string `mapstructure:"prune"`
}

type SchedulerConfig struct {
	TickLimit           int           `mapstructure:"tick_limit"`
	Workers             int           `mapstructure:"workers"`
	UserPacing          time.Duration `mapstructure:"user_pacing"`
	TargetPacing        time.Duration `mapstructure:"target_pacing"`
	PassTimeout         time.Duration `mapstructure:"pass_timeout"`
	FetchCount          int           `mapstructure:"fetch_count"`
	TransientRetries    int           `mapstructure:"transient_retries"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	ErrorPauseThreshold int           `mapstructure:"error_pause_threshold"`
}

type DouyinConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ClientKey    string        `mapstructure:"client_key"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type QQMusicConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type PushConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	AppID           string        `mapstructure:"app_id"`
	AppSecret       string        `mapstructure:"app_secret"`
	TemplateID      string        `mapstructure:"template_id"`
	Timeout         time.Duration `mapstructure:"timeout"`
	SubscriptionTTL time.Duration `mapstructure:"subscription_ttl"`
	QuietStart      string        `mapstructure:"quiet_start"`
	QuietEnd        string        `mapstructure:"quiet_end"`
}

type RetentionConfig struct {
	Updates time.Duration `mapstructure:"updates"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cache.backend", "redis")
	v.SetDefault("cache.addr", "127.0.0.1:6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.monitor_pass", "@every 5m")
	v.SetDefault("cron.resend_sweep", "@every 1h")
	v.SetDefault("cron.prune", "@daily")
	v.SetDefault("scheduler.tick_limit", 100)
	v.SetDefault("scheduler.workers", 4)
	// The original deployment spaced calls 1s per user and 500ms per target
	// to stay under platform rate limits. Tune per deployment.
	v.SetDefault("scheduler.user_pacing", "1s")
	v.SetDefault("scheduler.target_pacing", "500ms")
	v.SetDefault("scheduler.pass_timeout", "4m")
	v.SetDefault("scheduler.fetch_count", 10)
	v.SetDefault("scheduler.transient_retries", 2)
	v.SetDefault("scheduler.retry_base_delay", "1s")
	v.SetDefault("scheduler.error_pause_threshold", 0)
	v.SetDefault("douyin.base_url", "https://open.douyin.com")
	v.SetDefault("douyin.timeout", "10s")
	v.SetDefault("douyin.cache_ttl", "60s")
	v.SetDefault("qqmusic.base_url", "https://c.y.qq.com")
	v.SetDefault("qqmusic.timeout", "10s")
	v.SetDefault("qqmusic.cache_ttl", "60s")
	v.SetDefault("push.base_url", "https://api.weixin.qq.com")
	v.SetDefault("push.timeout", "10s")
	v.SetDefault("push.subscription_ttl", "720h")
	v.SetDefault("push.quiet_start", "08:00")
	v.SetDefault("push.quiet_end", "22:00")
	v.SetDefault("retention.updates", "720h")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
