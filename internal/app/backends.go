package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/config"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/siteaudit-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/siteaudit-crawler/internal/publisher/pubsub"
	memoryqueue "github.com/JakeFAU/siteaudit-crawler/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/siteaudit-crawler/internal/queue/pubsub"
	"github.com/JakeFAU/siteaudit-crawler/internal/storage/gcs"
	"github.com/JakeFAU/siteaudit-crawler/internal/storage/local"
	"github.com/JakeFAU/siteaudit-crawler/internal/storage/memory"
	"github.com/JakeFAU/siteaudit-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/siteaudit-crawler/internal/storage/redis"
)

// Stores is the shared state every component coordinates through.
type Stores struct {
	Sessions    crawler.SessionStore
	Frontier    crawler.FrontierStore
	Leases      crawler.LeaseStore
	Checkpoints crawler.CheckpointStore
	Pages       crawler.PageStore
	Registry    crawler.WorkerRegistry
	Governor    crawler.RateGovernor
}

// NewMemoryStores returns single-process stores.
func NewMemoryStores(clock crawler.Clock) Stores {
	return Stores{
		Sessions:    memory.NewSessionStore(),
		Frontier:    memory.NewFrontierStore(),
		Leases:      memory.NewLeaseStore(clock),
		Checkpoints: memory.NewCheckpointStore(),
		Pages:       memory.NewPageStore(),
		Registry:    memory.NewWorkerRegistry(clock),
		Governor:    ratelimit.New(clock),
	}
}

func (a *App) openStores(ctx context.Context, cfg config.Config, clock crawler.Clock) (Stores, error) {
	stores := NewMemoryStores(clock)

	if cfg.Backend == config.BackendPostgres {
		if cfg.DB.MigrateOnStart {
			if err := postgres.Migrate(cfg.DB.DSN, 0, a.logger.Named("migrate")); err != nil {
				return Stores{}, err
			}
		}
		pool, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return Stores{}, err
		}
		a.onClose("postgres", func() error { pool.Close(); return nil })
		if stores, err = postgresStores(pool, clock); err != nil {
			return Stores{}, err
		}
		a.logger.Info("using postgres backend")
	}

	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return Stores{}, fmt.Errorf("ping redis: %w", err)
		}
		a.onClose("redis", client.Close)
		if err := redisStores(&stores, client, clock, cfg.Redis.KeyPrefix); err != nil {
			return Stores{}, err
		}
		a.logger.Info("using redis for leases, rate windows and worker registry", zap.String("addr", cfg.Redis.Addr))
	}
	return stores, nil
}

func postgresStores(db postgres.DB, clock crawler.Clock) (Stores, error) {
	var (
		s   Stores
		err error
	)
	if s.Sessions, err = postgres.NewSessionStore(db); err != nil {
		return Stores{}, err
	}
	if s.Frontier, err = postgres.NewFrontierStore(db); err != nil {
		return Stores{}, err
	}
	if s.Leases, err = postgres.NewLeaseStore(db, clock); err != nil {
		return Stores{}, err
	}
	if s.Checkpoints, err = postgres.NewCheckpointStore(db); err != nil {
		return Stores{}, err
	}
	if s.Pages, err = postgres.NewPageStore(db); err != nil {
		return Stores{}, err
	}
	if s.Registry, err = postgres.NewWorkerRegistry(db, clock); err != nil {
		return Stores{}, err
	}
	if s.Governor, err = postgres.NewRateGovernor(db, clock); err != nil {
		return Stores{}, err
	}
	return s, nil
}

func redisStores(s *Stores, client goredis.UniversalClient, clock crawler.Clock, prefix string) error {
	leases, err := redisstore.NewLeaseStore(client, clock, prefix)
	if err != nil {
		return err
	}
	governor, err := redisstore.NewRateGovernor(client, clock, prefix)
	if err != nil {
		return err
	}
	registry, err := redisstore.NewWorkerRegistry(client, clock, prefix)
	if err != nil {
		return err
	}
	s.Leases, s.Governor, s.Registry = leases, governor, registry
	return nil
}

func (a *App) openBlobStore(ctx context.Context, cfg config.StorageConfig) (crawler.BlobStore, error) {
	switch cfg.Backend {
	case config.StorageLocal:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("open local blob store: %w", err)
		}
		return store, nil
	case config.StorageGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose("gcs", client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs blob store: %w", err)
		}
		return store, nil
	default:
		return memory.NewBlobStore(), nil
	}
}

// wakeupQueue is the dispatcher's wakeup channel plus its shutdown hook.
type wakeupQueue interface {
	crawler.Queue
	Close()
}

func (a *App) openMessaging(ctx context.Context, cfg config.PubSubConfig) (crawler.Publisher, wakeupQueue, error) {
	if cfg.ProjectID == "" {
		return memorypublisher.New(), memoryqueue.NewQueue(defaultWakeupBuffer), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.onClose("pubsub", client.Close)

	publisher := pubsubpublisher.New(client)
	a.onClose("publisher", func() error { publisher.Close(); return nil })

	if cfg.WakeupTopic == "" {
		return publisher, memoryqueue.NewQueue(defaultWakeupBuffer), nil
	}
	var sub *pubsub.Subscription
	if cfg.WakeupSubscription != "" {
		sub = client.Subscription(cfg.WakeupSubscription)
	}
	a.logger.Info("session wakeups over pubsub",
		zap.String("topic", cfg.WakeupTopic),
		zap.String("subscription", cfg.WakeupSubscription),
	)
	return publisher, pubsubqueue.New(client.Topic(cfg.WakeupTopic), sub, a.logger), nil
}
