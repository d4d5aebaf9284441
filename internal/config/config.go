// Package config loads and validates crawl engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Backend    string           `mapstructure:"backend"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs workers, leases and session defaults.
type CrawlerConfig struct {
	// Concurrency is the number of workers this process runs per session.
	Concurrency       int           `mapstructure:"concurrency"`
	MaxSessions       int           `mapstructure:"max_sessions"`
	WorkerPrefix      string        `mapstructure:"worker_prefix"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleWait          time.Duration `mapstructure:"idle_wait"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`

	DefaultMaxDepth   int     `mapstructure:"default_max_depth"`
	DefaultPageBudget int     `mapstructure:"default_page_budget"`
	DefaultSpeed      float64 `mapstructure:"default_speed"`
	DefaultMaxRetries int     `mapstructure:"default_max_retries"`

	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	SitemapMaxURLs int           `mapstructure:"sitemap_max_urls"`

	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`

	FailureThreshold int     `mapstructure:"failure_threshold"`
	BreakerWindow    int     `mapstructure:"breaker_window"`
	BreakerRatio     float64 `mapstructure:"breaker_ratio"`

	TrackingParams []string `mapstructure:"tracking_params"`
}

// CheckpointConfig controls periodic frontier snapshots.
type CheckpointConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	EveryPages int           `mapstructure:"every_pages"`
	Keep       int           `mapstructure:"keep"`
}

// ReaperConfig controls the expired-lease sweeper.
type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Retention is how long finished sessions keep their frontier; zero keeps it forever.
	Retention time.Duration `mapstructure:"retention"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig enables the Redis lease store, rate windows and worker registry when Addr is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig selects where page bodies are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds Pub/Sub topics for page events and session wakeups.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	// TopicName receives one CrawledPageEvent per crawled page.
	TopicName          string `mapstructure:"topic_name"`
	WakeupTopic        string `mapstructure:"wakeup_topic"`
	WakeupSubscription string `mapstructure:"wakeup_subscription"`
}

// QuotaConfig points at the billing collaborator. An empty endpoint approves every session.
type QuotaConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	Name       string        `mapstructure:"name"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("backend", BackendMemory)

	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_sessions", 0)
	v.SetDefault("crawler.worker_prefix", "worker")
	v.SetDefault("crawler.lease_ttl", 60*time.Second)
	v.SetDefault("crawler.heartbeat_interval", 10*time.Second)
	v.SetDefault("crawler.idle_wait", time.Second)
	v.SetDefault("crawler.poll_interval", 2*time.Second)
	v.SetDefault("crawler.default_max_depth", 3)
	v.SetDefault("crawler.default_page_budget", 500)
	v.SetDefault("crawler.default_speed", 2.0)
	v.SetDefault("crawler.default_max_retries", 3)
	v.SetDefault("crawler.user_agent", "siteaudit-bot/1.0")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.request_timeout", 15*time.Second)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.sitemap_max_urls", 10000)
	v.SetDefault("crawler.backoff_base", 2*time.Second)
	v.SetDefault("crawler.backoff_max", 5*time.Minute)
	v.SetDefault("crawler.failure_threshold", 25)
	v.SetDefault("crawler.breaker_window", 50)
	v.SetDefault("crawler.breaker_ratio", 0.8)

	v.SetDefault("checkpoint.interval", 30*time.Second)
	v.SetDefault("checkpoint.every_pages", 100)
	v.SetDefault("checkpoint.keep", 3)

	v.SetDefault("reaper.interval", 30*time.Second)
	v.SetDefault("reaper.retention", 7*24*time.Hour)

	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)

	v.SetDefault("redis.key_prefix", "siteaudit")

	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")

	v.SetDefault("pubsub.topic_name", "crawled-pages")

	v.SetDefault("quota.name", "billing")
	v.SetDefault("quota.rate_per_sec", 5.0)
	v.SetDefault("quota.timeout", 10*time.Second)

	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.LeaseTTL <= 0 {
		return fmt.Errorf("crawler.lease_ttl must be > 0")
	}
	if c.Crawler.HeartbeatInterval <= 0 || c.Crawler.HeartbeatInterval >= c.Crawler.LeaseTTL {
		return fmt.Errorf("crawler.heartbeat_interval must be > 0 and shorter than crawler.lease_ttl")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.DefaultPageBudget <= 0 || c.Crawler.DefaultSpeed <= 0 {
		return fmt.Errorf("crawler.default_page_budget and crawler.default_speed must be > 0")
	}
	if c.Crawler.BreakerRatio < 0 || c.Crawler.BreakerRatio > 1 {
		return fmt.Errorf("crawler.breaker_ratio must be within [0, 1]")
	}
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when backend is postgres")
		}
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendMemory, BackendPostgres, c.Backend)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.PubSub.WakeupSubscription != "" && c.PubSub.WakeupTopic == "" {
		return fmt.Errorf("pubsub.wakeup_topic must be set with pubsub.wakeup_subscription")
	}
	if c.PubSub.WakeupTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set with pubsub.wakeup_topic")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}
