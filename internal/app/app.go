// Package app builds the long-lived services of a crawl process from configuration
// and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/api"
	"github.com/JakeFAU/siteaudit-crawler/internal/checkpoint"
	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/config"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/siteaudit-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/siteaudit-crawler/internal/frontier"
	"github.com/JakeFAU/siteaudit-crawler/internal/hash/sha256"
	"github.com/JakeFAU/siteaudit-crawler/internal/id/uuid"
	"github.com/JakeFAU/siteaudit-crawler/internal/progress"
	"github.com/JakeFAU/siteaudit-crawler/internal/progress/sinks"
	"github.com/JakeFAU/siteaudit-crawler/internal/quota"
	"github.com/JakeFAU/siteaudit-crawler/internal/reaper"
	"github.com/JakeFAU/siteaudit-crawler/internal/session"
	"github.com/JakeFAU/siteaudit-crawler/internal/worker"
)

const defaultWakeupBuffer = 256

// Mode selects which loops Run starts.
type Mode int

// Run modes.
const (
	// ModeServe runs the HTTP API alongside the background loops.
	ModeServe Mode = iota
	// ModeWork runs only the dispatcher, checkpoint and reaper loops.
	ModeWork
)

// Options lets callers and tests replace collaborators built from config.
type Options struct {
	Clock   crawler.Clock
	Stores  *Stores
	Fetcher crawler.Fetcher
	Quota   crawler.QuotaChecker
	Issues  crawler.IssueCounter
	// Registerer receives the progress collectors; nil uses the default registry.
	Registerer prometheus.Registerer
}

// App holds the services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Stores      Stores
	Sessions    *session.Service
	Frontier    *frontier.Service
	Checkpoints *checkpoint.Manager
	Dispatcher  *dispatcher.Dispatcher
	Reaper      *reaper.Reaper
	Server      *api.Server

	hub     *progress.Hub
	wakeups wakeupQueue
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New wires every component described by cfg. A failure closes whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	clock := opts.Clock
	if clock == nil {
		clock = system.New()
	}
	ids := uuid.New()
	holder, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate process id: %w", err)
	}
	holder = cfg.Crawler.WorkerPrefix + "-" + holder

	if opts.Stores != nil {
		a.Stores = *opts.Stores
	} else if a.Stores, err = a.openStores(ctx, cfg, clock); err != nil {
		return nil, err
	}
	blobs, err := a.openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	publisher, wakeups, err := a.openMessaging(ctx, cfg.PubSub)
	if err != nil {
		return nil, err
	}
	a.wakeups = wakeups

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")}, sinks.NewLogSink(logger.Named("progress")), promSink)

	a.Frontier = frontier.New(a.Stores.Frontier, a.Stores.Leases, clock, frontier.Config{
		LeaseTTL:       cfg.Crawler.LeaseTTL,
		Backoff:        crawler.BackoffPolicy{Base: cfg.Crawler.BackoffBase, Max: cfg.Crawler.BackoffMax},
		TrackingParams: cfg.Crawler.TrackingParams,
	}, logger)

	a.Checkpoints = checkpoint.NewManager(
		a.Frontier, a.Stores.Checkpoints, a.Stores.Sessions, a.Stores.Leases, clock, a.hub, holder,
		checkpoint.Config{
			Interval:   cfg.Checkpoint.Interval,
			EveryPages: cfg.Checkpoint.EveryPages,
			Keep:       cfg.Checkpoint.Keep,
		}, logger)

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.Crawler.RequestTimeout,
			MaxBodyBytes:  cfg.Crawler.MaxBodyBytes,
		}, logger)
	}
	quotaChecker, err := a.quotaChecker(cfg.Quota, opts.Quota, ids)
	if err != nil {
		return nil, err
	}

	a.Sessions = session.New(session.Deps{
		Sessions:    a.Stores.Sessions,
		Frontier:    a.Frontier,
		Checkpoints: a.Checkpoints,
		Registry:    a.Stores.Registry,
		Fetcher:     fetcher,
		Governor:    a.Stores.Governor,
		Sitemaps: collyfetcher.NewSitemapLoader(collyfetcher.SitemapConfig{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			MaxURLs:       cfg.Crawler.SitemapMaxURLs,
		}, logger),
		Quota:   quotaChecker,
		Issues:  opts.Issues,
		IDs:     ids,
		Clock:   clock,
		Emitter: a.hub,
		Wakeups: wakeups,
	}, session.Config{
		DefaultMaxDepth:   cfg.Crawler.DefaultMaxDepth,
		DefaultPageBudget: cfg.Crawler.DefaultPageBudget,
		DefaultSpeed:      cfg.Crawler.DefaultSpeed,
		DefaultMaxRetries: cfg.Crawler.DefaultMaxRetries,
		FailureThreshold:  cfg.Crawler.FailureThreshold,
		Breaker: session.BreakerConfig{
			Window: cfg.Crawler.BreakerWindow,
			Ratio:  cfg.Crawler.BreakerRatio,
		},
		ProbeTimeout: cfg.Crawler.RequestTimeout,
	}, logger)

	pool := worker.NewPool(cfg.Crawler.Concurrency, cfg.Crawler.WorkerPrefix, ids, worker.Deps{
		Frontier:  a.Frontier,
		Sessions:  a.Stores.Sessions,
		Pages:     a.Stores.Pages,
		Registry:  a.Stores.Registry,
		Governor:  a.Stores.Governor,
		Fetcher:   fetcher,
		BlobStore: blobs,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Clock:     clock,
		Tracker:   a.Sessions,
		Emitter:   a.hub,
		OnPage:    a.Checkpoints.PageProcessed,
	}, worker.Config{
		HeartbeatInterval: cfg.Crawler.HeartbeatInterval,
		IdleWait:          cfg.Crawler.IdleWait,
		ContentType:       cfg.Storage.ContentType,
		BlobPrefix:        cfg.Storage.Prefix,
		Topic:             cfg.PubSub.TopicName,
	}, logger.Named("worker"))

	a.Dispatcher = dispatcher.New(a.Stores.Sessions, wakeups, pool, dispatcher.Config{
		PollInterval: cfg.Crawler.PollInterval,
		MaxSessions:  cfg.Crawler.MaxSessions,
	}, logger)

	a.Reaper = reaper.New(a.Stores.Leases, a.Stores.Sessions, a.Frontier, clock, holder, reaper.Config{
		Interval:  cfg.Reaper.Interval,
		Retention: cfg.Reaper.Retention,
	}, logger)

	a.Server = api.NewServer(a.Sessions, a.Stores.Pages, cfg, logger)

	logger.Info("application services initialized",
		zap.String("process_id", holder),
		zap.String("backend", cfg.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("workers_per_session", pool.Size()),
	)
	return a, nil
}

func (a *App) quotaChecker(cfg config.QuotaConfig, override crawler.QuotaChecker, ids crawler.IDGenerator) (crawler.QuotaChecker, error) {
	if override != nil {
		return override, nil
	}
	if cfg.Endpoint == "" {
		return quota.AllowAll{}, nil
	}
	client, err := quota.New(quota.Config{
		Name:       cfg.Name,
		Endpoint:   cfg.Endpoint,
		RatePerSec: cfg.RatePerSec,
		Timeout:    cfg.Timeout,
	}, nil, a.Stores.Governor, a.Stores.Leases, ids, a.logger)
	if err != nil {
		return nil, fmt.Errorf("quota client: %w", err)
	}
	return client, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Run starts the background loops (and the HTTP server in ModeServe) and
// blocks until ctx is canceled and everything has stopped.
func (a *App) Run(ctx context.Context, mode Mode) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("loop started", zap.String("loop", name))
			fn(ctx)
			a.logger.Info("loop stopped", zap.String("loop", name))
		}()
	}
	start("dispatcher", a.Dispatcher.Run)
	start("checkpoint", a.Checkpoints.Run)
	start("reaper", a.Reaper.Run)

	var serveErr error
	if mode == ModeServe {
		serveErr = a.serve(ctx)
		cancel()
	} else {
		<-ctx.Done()
	}
	wg.Wait()
	return serveErr
}

func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close releases every opened resource in reverse order of opening.
func (a *App) Close() {
	if a.wakeups != nil {
		a.wakeups.Close()
	}
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close", zap.Error(err))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close resource", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
