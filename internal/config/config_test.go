package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
backend: postgres
db:
  dsn: postgres://crawler@localhost/siteaudit
  max_conns: 20
crawler:
  concurrency: 6
  lease_ttl: 45s
  heartbeat_interval: 5s
  default_page_budget: 50
  respect_robots: false
  breaker_ratio: 0.5
  tracking_params: [utm_source, ref]
checkpoint:
  every_pages: 25
storage:
  backend: local
  local_dir: /tmp/pages
redis:
  addr: localhost:6379
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Backend != BackendPostgres || cfg.DB.MaxConns != 20 {
		t.Fatalf("expected postgres backend overrides, got %+v %+v", cfg.Backend, cfg.DB)
	}
	if cfg.Crawler.Concurrency != 6 || cfg.Crawler.RespectRobots {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Crawler.LeaseTTL != 45*time.Second || cfg.Crawler.HeartbeatInterval != 5*time.Second {
		t.Fatalf("expected durations to decode, got ttl=%v heartbeat=%v", cfg.Crawler.LeaseTTL, cfg.Crawler.HeartbeatInterval)
	}
	if got := strings.Join(cfg.Crawler.TrackingParams, ","); got != "utm_source,ref" {
		t.Fatalf("unexpected tracking params %q", got)
	}
	if cfg.Checkpoint.EveryPages != 25 || cfg.Checkpoint.Keep != 3 {
		t.Fatalf("expected checkpoint override plus default keep, got %+v", cfg.Checkpoint)
	}
	if cfg.Storage.Backend != StorageLocal || cfg.Storage.Prefix != "pages" {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.KeyPrefix != "siteaudit" {
		t.Fatalf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("unexpected logging config %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend != BackendMemory || cfg.Storage.Backend != StorageMemory {
		t.Fatalf("expected in-memory defaults, got backend=%q storage=%q", cfg.Backend, cfg.Storage.Backend)
	}
	if cfg.Crawler.DefaultMaxDepth != 3 || cfg.Crawler.DefaultPageBudget != 500 || cfg.Crawler.DefaultSpeed != 2 {
		t.Fatalf("unexpected session defaults %+v", cfg.Crawler)
	}
	if cfg.Crawler.DefaultMaxRetries != 3 || !cfg.Crawler.RespectRobots {
		t.Fatalf("unexpected crawler defaults %+v", cfg.Crawler)
	}
	if cfg.PubSub.TopicName != "crawled-pages" || cfg.Quota.Endpoint != "" {
		t.Fatalf("unexpected collaborator defaults pubsub=%+v quota=%+v", cfg.PubSub, cfg.Quota)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Crawler: CrawlerConfig{
			Concurrency:       1,
			LeaseTTL:          time.Minute,
			HeartbeatInterval: 10 * time.Second,
			RequestTimeout:    10 * time.Second,
			DefaultPageBudget: 10,
			DefaultSpeed:      1,
			BreakerRatio:      0.8,
		},
		Backend: BackendMemory,
		Storage: StorageConfig{Backend: StorageMemory},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"heartbeat not shorter than ttl", func(c *Config) { c.Crawler.HeartbeatInterval = time.Minute }, "crawler.heartbeat_interval"},
		{"invalid timeout", func(c *Config) { c.Crawler.RequestTimeout = 0 }, "crawler.request_timeout"},
		{"breaker ratio", func(c *Config) { c.Crawler.BreakerRatio = 1.5 }, "crawler.breaker_ratio"},
		{"unknown backend", func(c *Config) { c.Backend = "sqlite" }, "backend must be"},
		{"postgres without dsn", func(c *Config) { c.Backend = BackendPostgres }, "db.dsn"},
		{"local storage without dir", func(c *Config) { c.Storage.Backend = StorageLocal }, "storage.local_dir"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs_bucket"},
		{"wakeup subscription without topic", func(c *Config) { c.PubSub.WakeupSubscription = "sub" }, "pubsub.wakeup_topic"},
		{"wakeup topic without project", func(c *Config) { c.PubSub.WakeupTopic = "wake" }, "pubsub.project_id"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
