// Package worker implements the crawl loop: lease a frontier entry, wait for a
// rate permit, fetch, persist, enqueue discovered links and settle the entry.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/frontier"
	"github.com/JakeFAU/siteaudit-crawler/internal/metrics"
	"github.com/JakeFAU/siteaudit-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/siteaudit-crawler/internal/progress"
)

// Tracker receives per-page results and decides when a session is finished.
// The session service satisfies it.
type Tracker interface {
	OnPageCrawled(ctx context.Context, sessionID string, outcome crawler.PageOutcome) error
	// CheckCompletion completes the session when nothing is left to crawl and
	// returns the session's current state.
	CheckCompletion(ctx context.Context, sessionID string) (crawler.Session, error)
}

// Config controls Worker behavior.
type Config struct {
	HeartbeatInterval time.Duration
	// RegistryTTL is how long a registration survives without a heartbeat.
	RegistryTTL time.Duration
	// IdleWait is the pause between polls when nothing is claimable.
	IdleWait    time.Duration
	ContentType string
	BlobPrefix  string
	Topic       string
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = 3 * c.HeartbeatInterval
	}
	if c.IdleWait <= 0 {
		c.IdleWait = time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	return c
}

// Deps bundles the collaborators shared by every worker of a process.
type Deps struct {
	Frontier  *frontier.Service
	Sessions  crawler.SessionStore
	Pages     crawler.PageStore
	Registry  crawler.WorkerRegistry
	Governor  crawler.RateGovernor
	Fetcher   crawler.Fetcher
	BlobStore crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Tracker   Tracker
	Emitter   progress.Emitter
	// OnPage is called after each settled entry; the checkpoint manager hooks in here.
	OnPage func(ctx context.Context, sessionID string)
}

// Worker runs the crawl loop for one session under one worker id.
type Worker struct {
	id     string
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	state   crawler.CrawlWorker
	current *crawler.FrontierEntry
}

// New constructs a Worker.
func New(id string, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("worker").With(zap.String("worker_id", id)),
	}
}

// ID returns the worker id used as lease holder.
func (w *Worker) ID() string {
	return w.id
}

// Run crawls session until ctx ends, the session leaves running, or the
// session is complete. It never abandons a leased entry mid-fetch because of a
// pause; only ctx cancellation stops an in-flight fetch.
func (w *Worker) Run(ctx context.Context, session crawler.Session) error {
	target, err := frontier.NewTarget(session)
	if err != nil {
		return err
	}
	logger := w.logger.With(zap.String("session_id", session.ID))
	w.mu.Lock()
	w.state = crawler.CrawlWorker{WorkerID: w.id, SessionID: session.ID, Status: crawler.WorkerIdle}
	w.mu.Unlock()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.heartbeatLoop(hbCtx, logger)
	}()
	defer func() {
		stopHeartbeat()
		hbWG.Wait()
		if err := w.deps.Registry.Remove(context.WithoutCancel(ctx), session.ID, w.id); err != nil {
			logger.Warn("worker deregistration failed", zap.Error(err))
		}
	}()
	w.heartbeat(ctx, logger)

	for {
		if ctx.Err() != nil {
			return nil
		}
		current, err := w.deps.Sessions.Get(ctx, session.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load session %s: %w", session.ID, err)
		}
		if current.Status != crawler.SessionRunning {
			logger.Debug("session no longer running", zap.String("status", string(current.Status)))
			return nil
		}

		entry, err := w.deps.Frontier.DequeueNext(ctx, target, w.id)
		switch {
		case err == nil:
			w.process(ctx, current, target, entry, logger)
		case errors.Is(err, crawler.ErrFrontierEmpty), errors.Is(err, crawler.ErrBudgetExhausted):
			done, err := w.idle(ctx, session.ID)
			if err != nil {
				logger.Error("completion check failed", zap.Error(err))
			}
			if done {
				return nil
			}
		default:
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("dequeue failed", zap.Error(err))
			if !sleep(ctx, w.cfg.IdleWait) {
				return nil
			}
		}
	}
}

// idle reports whether the session finished; otherwise it waits for backoff
// timers and other workers' leases to make entries claimable.
func (w *Worker) idle(ctx context.Context, sessionID string) (bool, error) {
	w.setState(crawler.WorkerIdle, "")
	session, err := w.deps.Tracker.CheckCompletion(ctx, sessionID)
	if err != nil {
		return !sleep(ctx, w.cfg.IdleWait), err
	}
	if session.Status != crawler.SessionRunning {
		return true, nil
	}
	return !sleep(ctx, w.cfg.IdleWait), nil
}

func (w *Worker) process(
	ctx context.Context,
	session crawler.Session,
	target frontier.Target,
	entry crawler.FrontierEntry,
	logger *zap.Logger,
) {
	logger = logger.With(zap.String("url", entry.URL))
	w.setCurrent(&entry)
	defer w.setCurrent(nil)

	if entry.Exhausted() {
		w.settleFailure(ctx, entry, crawler.OutcomeFailed, crawler.ClassExhausted,
			errors.New("lease expired too many times"), logger)
		return
	}

	host := hostOf(entry.URL)
	w.setState(crawler.WorkerWaiting, entry.URL)
	waited, err := ratelimit.Await(ctx, w.deps.Governor, crawler.DomainKey(host), session.Config.SpeedLimitPerSec, logger)
	if err != nil {
		// Cancellation or a governor store error; the lease expires back to pending.
		if ctx.Err() != nil {
			logger.Debug("rate wait aborted", zap.Error(err))
			return
		}
		logger.Warn("rate permit failed, abandoning lease", zap.Error(err))
		return
	}
	if waited > 0 {
		metrics.ObserveRateLimitDelay(crawler.DomainKey(host), waited)
	}

	w.setState(crawler.WorkerFetching, entry.URL)
	w.register(ctx, logger)
	resp, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
		SessionID: entry.SessionID,
		URL:       entry.URL,
		Depth:     entry.Depth,
	})
	if err == nil && !crawler.SuccessStatus(resp.StatusCode) {
		err = &crawler.FetchError{URL: entry.URL, StatusCode: resp.StatusCode}
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.emitFetchError(entry, host, resp, err)
		class := crawler.Classify(err)
		outcome := crawler.OutcomeFailed
		if class == crawler.ClassTransient {
			outcome = crawler.OutcomeRetry
		}
		w.settleFailure(ctx, entry, outcome, class, err, logger)
		return
	}
	w.settleSuccess(ctx, target, entry, host, resp, logger)
}

func (w *Worker) settleSuccess(
	ctx context.Context,
	target frontier.Target,
	entry crawler.FrontierEntry,
	host string,
	resp crawler.FetchResponse,
	logger *zap.Logger,
) {
	page, err := w.persist(ctx, entry, resp)
	if err != nil {
		logger.Error("persist page failed", zap.Error(err))
		w.settleFailure(ctx, entry, crawler.OutcomeRetry, crawler.ClassTransient, err, logger)
		return
	}

	discovered := 0
	if entry.Depth < target.MaxDepth {
		for _, link := range resp.Links {
			res, err := w.deps.Frontier.Enqueue(ctx, target, link, entry.Depth+1, crawler.PriorityOrganic)
			if err != nil {
				logger.Warn("enqueue link failed", zap.String("link", link), zap.Error(err))
				continue
			}
			if res == crawler.Accepted {
				discovered++
			}
		}
	}

	if _, err := w.deps.Frontier.MarkDone(ctx, entry, w.id, crawler.OutcomeDone, nil); err != nil {
		if errors.Is(err, crawler.ErrLeaseNotHeld) {
			// Another worker owns the entry now and will count it.
			logger.Warn("lease lost before completion")
			w.report(ctx, entry.SessionID, crawler.PageOutcome{URL: entry.URL, Discovered: discovered}, logger)
			return
		}
		logger.Error("mark done failed", zap.Error(err))
		return
	}

	if err := w.publish(ctx, page); err != nil {
		logger.Warn("publish page event failed", zap.Error(err))
	}
	metrics.ObservePage(host, string(crawler.OutcomeDone), len(resp.Body))
	w.deps.Emitter.Emit(progress.Event{
		SessionID:   entry.SessionID,
		WorkerID:    w.id,
		TS:          page.FetchedAt,
		Stage:       progress.StageFetchDone,
		Site:        host,
		URL:         entry.URL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	w.bumpProcessed(false)
	w.report(ctx, entry.SessionID, crawler.PageOutcome{URL: entry.URL, Crawled: true, Discovered: discovered}, logger)
}

func (w *Worker) settleFailure(
	ctx context.Context,
	entry crawler.FrontierEntry,
	outcome crawler.Outcome,
	class crawler.ErrorClass,
	cause error,
	logger *zap.Logger,
) {
	settled, err := w.deps.Frontier.MarkDone(ctx, entry, w.id, outcome, cause)
	if err != nil {
		if errors.Is(err, crawler.ErrLeaseNotHeld) {
			// The new holder settles the entry; the lost attempt still lands in the error log.
			logger.Warn("lease lost before failure was recorded", zap.Error(cause))
			w.report(ctx, entry.SessionID, crawler.PageOutcome{
				URL: entry.URL,
				Error: &crawler.ErrorRecord{
					URL:     entry.URL,
					Class:   crawler.ClassInfrastructure,
					Message: fmt.Sprintf("lease lost after %s failure: %v", class, cause),
					At:      w.deps.Clock.Now(),
				},
			}, logger)
			return
		}
		logger.Error("mark failed", zap.Error(err))
		return
	}
	failed := settled.Status == crawler.EntryFailed
	if failed && class == crawler.ClassTransient {
		class = crawler.ClassExhausted
	}
	metrics.ObservePage(hostOf(entry.URL), string(outcome), 0)
	logger.Info("fetch failed",
		zap.String("class", string(class)),
		zap.Int("retry_count", settled.RetryCount),
		zap.Bool("final", failed),
		zap.Error(cause),
	)
	w.bumpProcessed(true)
	w.report(ctx, entry.SessionID, crawler.PageOutcome{
		URL:    entry.URL,
		Failed: failed,
		Error: &crawler.ErrorRecord{
			URL:     entry.URL,
			Class:   class,
			Message: cause.Error(),
			At:      w.deps.Clock.Now(),
		},
	}, logger)
}

func (w *Worker) report(ctx context.Context, sessionID string, outcome crawler.PageOutcome, logger *zap.Logger) {
	if err := w.deps.Tracker.OnPageCrawled(ctx, sessionID, outcome); err != nil {
		logger.Error("report page outcome failed", zap.Error(err))
	}
	if w.deps.OnPage != nil && (outcome.Crawled || outcome.Failed) {
		w.deps.OnPage(ctx, sessionID)
	}
}

func (w *Worker) persist(
	ctx context.Context,
	entry crawler.FrontierEntry,
	resp crawler.FetchResponse,
) (crawler.PageRecord, error) {
	page := crawler.PageRecord{
		SessionID:      entry.SessionID,
		URL:            entry.URL,
		URLHash:        entry.URLHash,
		Depth:          entry.Depth,
		StatusCode:     resp.StatusCode,
		Headers:        resp.Headers,
		ExtractedLinks: resp.Links,
		LoadTimeMs:     resp.Duration.Milliseconds(),
		FetchedAt:      w.deps.Clock.Now(),
	}
	if page.ExtractedLinks == nil {
		page.ExtractedLinks = []string{}
	}
	if len(resp.Body) > 0 && w.deps.Hasher != nil && w.deps.BlobStore != nil {
		hash, err := w.deps.Hasher.Hash(resp.Body)
		if err != nil {
			return crawler.PageRecord{}, fmt.Errorf("hash body: %w", err)
		}
		page.ContentHash = hash
		uri, err := w.deps.BlobStore.PutObject(ctx, w.blobPath(entry), w.cfg.ContentType, bytes.NewReader(resp.Body))
		if err != nil {
			return crawler.PageRecord{}, fmt.Errorf("put object: %w", err)
		}
		page.BodyRef = uri
	}
	if _, err := w.deps.Pages.Upsert(ctx, page); err != nil {
		return crawler.PageRecord{}, fmt.Errorf("record page: %w", err)
	}
	return page, nil
}

// blobPath is keyed by url hash so a recrawl overwrites rather than duplicates.
func (w *Worker) blobPath(entry crawler.FrontierEntry) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", entry.SessionID, entry.URLHash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, entry.SessionID, entry.URLHash)
}

func (w *Worker) publish(ctx context.Context, page crawler.PageRecord) error {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return nil
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, crawler.EventFromPage(page)); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	return nil
}

func (w *Worker) emitFetchError(entry crawler.FrontierEntry, host string, resp crawler.FetchResponse, err error) {
	w.deps.Emitter.Emit(progress.Event{
		SessionID:   entry.SessionID,
		WorkerID:    w.id,
		TS:          w.deps.Clock.Now(),
		Stage:       progress.StageFetchError,
		Site:        host,
		URL:         entry.URL,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Class:       string(crawler.Classify(err)),
		Dur:         resp.Duration,
		Note:        err.Error(),
	})
}

// heartbeatLoop renews the current lease and the registration on a fixed
// interval, regardless of how long the fetch in progress takes.
func (w *Worker) heartbeatLoop(ctx context.Context, logger *zap.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat(ctx, logger)
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, logger *zap.Logger) {
	w.register(ctx, logger)

	w.mu.Lock()
	var entry *crawler.FrontierEntry
	if w.current != nil {
		copied := *w.current
		entry = &copied
	}
	w.mu.Unlock()
	if entry == nil {
		return
	}
	if err := w.deps.Frontier.Renew(ctx, *entry, w.id); err != nil && ctx.Err() == nil {
		logger.Warn("lease renewal failed", zap.String("url", entry.URL), zap.Error(err))
	}
}

func (w *Worker) register(ctx context.Context, logger *zap.Logger) {
	state := w.Snapshot()
	state.LastHeartbeatAt = w.deps.Clock.Now()
	if err := w.deps.Registry.Heartbeat(ctx, state, w.cfg.RegistryTTL); err != nil && ctx.Err() == nil {
		logger.Warn("registry heartbeat failed", zap.Error(err))
	}
}

func (w *Worker) setCurrent(entry *crawler.FrontierEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = entry
	if entry == nil {
		w.state.CurrentURL = ""
		w.state.Status = crawler.WorkerIdle
	}
}

func (w *Worker) setState(status crawler.WorkerStatus, url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Status = status
	w.state.CurrentURL = url
}

func (w *Worker) bumpProcessed(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.ProcessedCount++
	if failed {
		w.state.ErrorCount++
	}
}

// Snapshot returns the worker's current registration record.
func (w *Worker) Snapshot() crawler.CrawlWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func hostOf(raw string) string {
	host, err := crawler.Host(raw)
	if err != nil {
		return "unknown"
	}
	return host
}

// sleep waits d or until ctx ends; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
