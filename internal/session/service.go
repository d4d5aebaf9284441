// Package session owns the crawl session lifecycle and rolls per-page results
// up into session counters.
//
// The state machine is pending -> running -> (paused -> running)* -> completed | failed.
// Every transition is a compare-and-swap in the session store, so concurrent
// workers on several machines may race to complete or fail a session safely.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/checkpoint"
	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/frontier"
	"github.com/JakeFAU/siteaudit-crawler/internal/metrics"
	"github.com/JakeFAU/siteaudit-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/siteaudit-crawler/internal/progress"
)

// Errors returned synchronously to callers.
var (
	ErrInvalidConfig   = errors.New("invalid session configuration")
	ErrQuotaDenied     = errors.New("quota denied")
	ErrRootUnreachable = errors.New("root url unreachable")
	// ErrQuotaUnavailable means the quota collaborator could not answer; the session stays pending.
	ErrQuotaUnavailable = errors.New("quota check unavailable")
)

// Config holds defaults and failure thresholds.
type Config struct {
	DefaultMaxDepth   int
	DefaultPageBudget int
	DefaultSpeed      float64
	DefaultMaxRetries int
	// FailureThreshold fails the session after this many consecutive failed attempts.
	FailureThreshold int
	Breaker          BreakerConfig
	ProbeTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxDepth <= 0 {
		c.DefaultMaxDepth = 3
	}
	if c.DefaultPageBudget <= 0 {
		c.DefaultPageBudget = 500
	}
	if c.DefaultSpeed <= 0 {
		c.DefaultSpeed = 2
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = crawler.DefaultMaxRetries
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 25
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 15 * time.Second
	}
	c.Breaker = c.Breaker.withDefaults()
	return c
}

// Deps bundles the service collaborators. Quota, Sitemaps, Issues, Wakeups
// and Governor are optional.
type Deps struct {
	Sessions    crawler.SessionStore
	Frontier    *frontier.Service
	Checkpoints *checkpoint.Manager
	Registry    crawler.WorkerRegistry
	Fetcher     crawler.Fetcher
	Sitemaps    crawler.SitemapSource
	Quota       crawler.QuotaChecker
	Issues      crawler.IssueCounter
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	Emitter     progress.Emitter
	// Wakeups tells local dispatchers that a session started or resumed.
	Wakeups crawler.Queue
	// Governor paces the root probe with the same domain key workers use.
	Governor crawler.RateGovernor
}

// Service implements session create, control, progress rollup and status.
type Service struct {
	deps    Deps
	cfg     Config
	breaker *breaker
	logger  *zap.Logger
}

// New constructs a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		deps:    deps,
		cfg:     cfg,
		breaker: newBreaker(cfg.Breaker),
		logger:  logger.Named("session"),
	}
}

// Create validates cfg and stores a pending session. Malformed configuration
// fails with ErrInvalidConfig and no session is stored.
func (s *Service) Create(ctx context.Context, cfg crawler.SessionConfig) (crawler.Session, error) {
	cfg = s.applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return crawler.Session{}, err
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	session := crawler.Session{
		ID:        id,
		Status:    crawler.SessionPending,
		Config:    cfg,
		CreatedAt: s.deps.Clock.Now(),
	}
	if err := s.deps.Sessions.Create(ctx, session); err != nil {
		return crawler.Session{}, fmt.Errorf("create session: %w", err)
	}
	metrics.ObserveSessionTransition(string(crawler.SessionPending))
	s.logger.Info("session created", zap.String("session_id", id), zap.String("target_url", cfg.TargetURL))
	return session, nil
}

func (s *Service) applyDefaults(cfg crawler.SessionConfig) crawler.SessionConfig {
	cfg.TargetURL = strings.TrimSpace(cfg.TargetURL)
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = s.cfg.DefaultMaxDepth
	}
	if cfg.PageBudget == 0 {
		cfg.PageBudget = s.cfg.DefaultPageBudget
	}
	if cfg.SpeedLimitPerSec == 0 {
		cfg.SpeedLimitPerSec = s.cfg.DefaultSpeed
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = s.cfg.DefaultMaxRetries
	}
	return cfg
}

func validate(cfg crawler.SessionConfig) error {
	u, err := url.Parse(cfg.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target url %q must be an absolute http(s) url", ErrInvalidConfig, cfg.TargetURL)
	}
	switch {
	case cfg.MaxDepth < 0:
		return fmt.Errorf("%w: max depth must be >= 0", ErrInvalidConfig)
	case cfg.PageBudget <= 0:
		return fmt.Errorf("%w: page budget must be > 0", ErrInvalidConfig)
	case cfg.SpeedLimitPerSec <= 0:
		return fmt.Errorf("%w: speed limit must be > 0", ErrInvalidConfig)
	case cfg.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must be >= 0", ErrInvalidConfig)
	}
	if _, err := crawler.NewScope(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Start checks quota, probes the root url, seeds the frontier and moves the
// session to running. A denied quota or an unreachable root fails the session
// and is returned synchronously. A quota or rate store outage leaves it pending
// so the caller can retry. Starting a running session is a no-op.
func (s *Service) Start(ctx context.Context, id string) (crawler.Session, error) {
	session, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	switch session.Status {
	case crawler.SessionRunning:
		return session, nil
	case crawler.SessionPending:
	default:
		return session, fmt.Errorf("start %s session: %w", session.Status, crawler.ErrInvalidTransition)
	}

	if err := s.checkQuota(ctx, session); err != nil {
		if errors.Is(err, ErrQuotaUnavailable) {
			return session, err
		}
		return s.failSetup(ctx, session, err)
	}
	if err := s.probe(ctx, session); err != nil {
		if errors.Is(err, ErrRootUnreachable) {
			return s.failSetup(ctx, session, err)
		}
		return session, fmt.Errorf("probe root: %w", err)
	}
	if err := s.seed(ctx, session); err != nil {
		return session, err
	}
	started, err := s.transition(ctx, id, []crawler.SessionStatus{crawler.SessionPending}, crawler.SessionRunning)
	if err != nil {
		return started, err
	}
	s.deps.Emitter.Emit(progress.Event{SessionID: id, TS: s.deps.Clock.Now(), Stage: progress.StageSessionStart})
	s.wake(ctx, id)
	return started, nil
}

func (s *Service) checkQuota(ctx context.Context, session crawler.Session) error {
	if s.deps.Quota == nil {
		return nil
	}
	decision, err := s.deps.Quota.Check(ctx, crawler.QuotaRequest{
		SessionID:  session.ID,
		TargetURL:  session.Config.TargetURL,
		PageBudget: session.Config.PageBudget,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQuotaUnavailable, err)
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: %d credits remaining", ErrQuotaDenied, decision.Remaining)
	}
	return nil
}

// probe sends a HEAD request for the root url. It waits for a domain permit
// first, so the probe counts against the session's politeness budget.
func (s *Service) probe(ctx context.Context, session crawler.Session) error {
	if s.deps.Fetcher == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	if s.deps.Governor != nil {
		host, err := crawler.Host(session.Config.TargetURL)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		key := crawler.DomainKey(host)
		waited, err := ratelimit.Await(probeCtx, s.deps.Governor, key, session.Config.SpeedLimitPerSec, s.logger)
		if err != nil {
			return err
		}
		if waited > 0 {
			metrics.ObserveRateLimitDelay(key, waited)
		}
	}
	resp, err := s.deps.Fetcher.Fetch(probeCtx, crawler.FetchRequest{
		SessionID: session.ID,
		URL:       session.Config.TargetURL,
		Method:    http.MethodHead,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootUnreachable, err)
	}
	switch {
	case crawler.SuccessStatus(resp.StatusCode):
	case resp.StatusCode == http.StatusMethodNotAllowed, resp.StatusCode == http.StatusNotImplemented:
		// The server answered; the first GET decides how the root is classified.
		s.logger.Debug("root rejects HEAD", zap.String("session_id", session.ID), zap.Int("status", resp.StatusCode))
	default:
		return fmt.Errorf("%w: http status %d", ErrRootUnreachable, resp.StatusCode)
	}
	return nil
}

func (s *Service) seed(ctx context.Context, session crawler.Session) error {
	target, err := frontier.NewTarget(session)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	accepted := 0
	res, err := s.deps.Frontier.Enqueue(ctx, target, session.Config.TargetURL, 0, crawler.PriorityRoot)
	if err != nil {
		return fmt.Errorf("seed root: %w", err)
	}
	if res == crawler.Accepted {
		accepted++
	}
	if session.Config.SitemapFirst && s.deps.Sitemaps != nil {
		urls, err := s.deps.Sitemaps.Discover(ctx, session.Config.TargetURL)
		if err != nil {
			// A missing sitemap only loses the head start.
			s.logger.Warn("sitemap discovery failed", zap.String("session_id", session.ID), zap.Error(err))
		}
		for _, raw := range urls {
			res, err := s.deps.Frontier.Enqueue(ctx, target, raw, 1, crawler.PrioritySitemap)
			if err != nil {
				return fmt.Errorf("seed sitemap url: %w", err)
			}
			if res == crawler.Accepted {
				accepted++
			}
		}
	}
	if accepted > 0 {
		if _, err := s.deps.Sessions.AddCounters(ctx, session.ID, crawler.CounterDelta{Discovered: accepted}); err != nil {
			return fmt.Errorf("count seeds: %w", err)
		}
	}
	s.logger.Info("frontier seeded", zap.String("session_id", session.ID), zap.Int("accepted", accepted))
	return nil
}

func (s *Service) failSetup(ctx context.Context, session crawler.Session, cause error) (crawler.Session, error) {
	failed, err := s.fail(ctx, session.ID, crawler.ClassFatal, cause.Error())
	if err != nil && !errors.Is(err, crawler.ErrInvalidTransition) {
		s.logger.Error("fail session", zap.String("session_id", session.ID), zap.Error(err))
	}
	return failed, cause
}

// Pause snapshots the frontier and stops new leases. In-flight entries finish
// or expire normally. Pausing a paused session is a no-op.
func (s *Service) Pause(ctx context.Context, id string) (crawler.Session, error) {
	session, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if session.Status == crawler.SessionPaused {
		return session, nil
	}
	if session.Status != crawler.SessionRunning {
		return session, fmt.Errorf("pause %s session: %w", session.Status, crawler.ErrInvalidTransition)
	}
	if _, err := s.deps.Checkpoints.Snapshot(ctx, id); err != nil {
		return session, fmt.Errorf("checkpoint before pause: %w", err)
	}
	paused, err := s.transition(ctx, id, []crawler.SessionStatus{crawler.SessionRunning}, crawler.SessionPaused)
	if err != nil {
		return paused, err
	}
	s.deps.Emitter.Emit(progress.Event{
		SessionID: id,
		TS:        s.deps.Clock.Now(),
		Stage:     progress.StageSessionPause,
		Dur:       s.runtime(paused),
	})
	return paused, nil
}

// Resume restores the latest checkpoint and moves the session back to running.
// Resuming a running session is a no-op.
func (s *Service) Resume(ctx context.Context, id string) (crawler.Session, error) {
	session, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if session.Status == crawler.SessionRunning {
		return session, nil
	}
	if session.Status != crawler.SessionPaused {
		return session, fmt.Errorf("resume %s session: %w", session.Status, crawler.ErrInvalidTransition)
	}
	if _, err := s.deps.Checkpoints.Restore(ctx, session); err != nil {
		return session, fmt.Errorf("restore before resume: %w", err)
	}
	resumed, err := s.transition(ctx, id, []crawler.SessionStatus{crawler.SessionPaused}, crawler.SessionRunning)
	if err != nil {
		return resumed, err
	}
	s.deps.Emitter.Emit(progress.Event{SessionID: id, TS: s.deps.Clock.Now(), Stage: progress.StageSessionStart})
	s.wake(ctx, id)
	return resumed, nil
}

// Cancel fails a session that has not finished. Cancelling a finished session is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) (crawler.Session, error) {
	session, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if session.Status.Terminal() {
		return session, nil
	}
	canceled, err := s.fail(ctx, id, crawler.ClassFatal, "canceled")
	if errors.Is(err, crawler.ErrInvalidTransition) && canceled.Status.Terminal() {
		return canceled, nil
	}
	return canceled, err
}

// OnPageCrawled rolls one settled entry into the session counters, appends
// failures to the error log and trips the failure guards.
func (s *Service) OnPageCrawled(ctx context.Context, sessionID string, outcome crawler.PageOutcome) error {
	delta := crawler.CounterDelta{
		Discovered: outcome.Discovered,
		Success:    outcome.Crawled,
		// Lost leases are reclaimed elsewhere and do not count toward the failure threshold.
		Failure: outcome.Error != nil && outcome.Error.Class != crawler.ClassInfrastructure,
	}
	if outcome.Crawled {
		delta.Crawled = 1
	}
	if outcome.Failed {
		delta.Failed = 1
	}
	session, err := s.deps.Sessions.AddCounters(ctx, sessionID, delta)
	if err != nil {
		return fmt.Errorf("add counters: %w", err)
	}
	if outcome.Error != nil {
		if err := s.deps.Sessions.AppendError(ctx, sessionID, *outcome.Error); err != nil {
			return fmt.Errorf("append error: %w", err)
		}
	}
	if session.Status != crawler.SessionRunning {
		return nil
	}

	if outcome.Crawled || outcome.Failed {
		if reason, tripped := s.breaker.record(sessionID, outcome.Failed); tripped {
			_, err := s.fail(ctx, sessionID, crawler.ClassFatal, reason)
			return ignoreLostRace(err)
		}
	}
	if session.ConsecutiveFailures >= s.cfg.FailureThreshold {
		reason := fmt.Sprintf("%d consecutive failures", session.ConsecutiveFailures)
		_, err := s.fail(ctx, sessionID, crawler.ClassFatal, reason)
		return ignoreLostRace(err)
	}
	if session.Config.PageBudget > 0 && session.PagesCrawled >= session.Config.PageBudget {
		_, err := s.CheckCompletion(ctx, sessionID)
		return err
	}
	return nil
}

// CheckCompletion completes a running session once the frontier has nothing
// pending or leased, or the budget is spent with no lease still in flight.
func (s *Service) CheckCompletion(ctx context.Context, sessionID string) (crawler.Session, error) {
	session, err := s.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.Status != crawler.SessionRunning {
		return session, nil
	}
	counts, err := s.deps.Frontier.Counts(ctx, sessionID)
	if err != nil {
		return session, err
	}
	budgetSpent := session.Config.PageBudget > 0 && counts.Done >= session.Config.PageBudget
	if counts.Leased > 0 || (counts.Pending > 0 && !budgetSpent) {
		return session, nil
	}
	return s.OnSessionComplete(ctx, sessionID)
}

// OnSessionComplete moves a running session to completed.
func (s *Service) OnSessionComplete(ctx context.Context, sessionID string) (crawler.Session, error) {
	done, err := s.transition(ctx, sessionID, []crawler.SessionStatus{crawler.SessionRunning}, crawler.SessionCompleted)
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidTransition) {
			return done, nil
		}
		return done, err
	}
	s.finish(done, progress.StageSessionDone, "")
	return done, nil
}

// OnSessionFail moves a non-terminal session to failed with reason in the error log.
func (s *Service) OnSessionFail(ctx context.Context, sessionID, reason string) (crawler.Session, error) {
	failed, err := s.fail(ctx, sessionID, crawler.ClassFatal, reason)
	return failed, ignoreLostRace(err)
}

func (s *Service) fail(
	ctx context.Context,
	sessionID string,
	class crawler.ErrorClass,
	reason string,
) (crawler.Session, error) {
	failed, err := s.transition(ctx, sessionID, []crawler.SessionStatus{
		crawler.SessionPending,
		crawler.SessionRunning,
		crawler.SessionPaused,
	}, crawler.SessionFailed)
	if err != nil {
		return failed, err
	}
	record := crawler.ErrorRecord{Class: class, Message: reason, At: s.deps.Clock.Now()}
	if err := s.deps.Sessions.AppendError(ctx, sessionID, record); err != nil {
		s.logger.Warn("append failure reason", zap.String("session_id", sessionID), zap.Error(err))
	}
	failed.ErrorLog = append(failed.ErrorLog, record)
	s.finish(failed, progress.StageSessionFail, reason)
	return failed, nil
}

func (s *Service) finish(session crawler.Session, stage progress.Stage, note string) {
	s.breaker.forget(session.ID)
	if s.deps.Checkpoints != nil {
		s.deps.Checkpoints.Forget(session.ID)
	}
	s.deps.Emitter.Emit(progress.Event{
		SessionID: session.ID,
		TS:        s.deps.Clock.Now(),
		Stage:     stage,
		Dur:       s.runtime(session),
		Note:      note,
	})
	s.logger.Info("session finished",
		zap.String("session_id", session.ID),
		zap.String("status", string(session.Status)),
		zap.Int("pages_crawled", session.PagesCrawled),
		zap.Int("pages_failed", session.PagesFailed),
		zap.String("reason", note),
	)
}

func (s *Service) transition(
	ctx context.Context,
	id string,
	from []crawler.SessionStatus,
	to crawler.SessionStatus,
) (crawler.Session, error) {
	session, err := s.deps.Sessions.Transition(ctx, id, from, to, s.deps.Clock.Now())
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidTransition) {
			return session, fmt.Errorf("%s -> %s: %w", session.Status, to, err)
		}
		return session, fmt.Errorf("transition session %s: %w", id, err)
	}
	metrics.ObserveSessionTransition(string(to))
	return session, nil
}

func (s *Service) wake(ctx context.Context, id string) {
	if s.deps.Wakeups == nil {
		return
	}
	item := crawler.QueueItem{SessionID: id, Submitted: s.deps.Clock.Now().UnixMilli()}
	if err := s.deps.Wakeups.Enqueue(ctx, item); err != nil {
		s.logger.Warn("dispatcher wakeup failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (s *Service) runtime(session crawler.Session) time.Duration {
	if session.StartedAt == nil {
		return 0
	}
	d := s.deps.Clock.Now().Sub(*session.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

func ignoreLostRace(err error) error {
	if errors.Is(err, crawler.ErrInvalidTransition) {
		return nil
	}
	return err
}
