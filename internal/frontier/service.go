// Package frontier schedules a session's discovered URLs: it normalizes and
// deduplicates links on enqueue, leases the best claimable entry to a worker,
// and settles leased entries once the worker reports an outcome.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/metrics"
)

// LeaseKeyPrefix namespaces frontier-entry leases in the shared lease store.
const LeaseKeyPrefix = "frontier:"

const (
	defaultLeaseTTL       = 30 * time.Second
	defaultCandidateBatch = 16
)

// LeaseKey is the lease store key of one frontier entry.
func LeaseKey(sessionID, urlHash string) string {
	return LeaseKeyPrefix + sessionID + ":" + urlHash
}

// Config controls lease duration, retry backoff and normalization.
type Config struct {
	LeaseTTL       time.Duration
	Backoff        crawler.BackoffPolicy
	CandidateBatch int
	TrackingParams []string
}

// Target binds one session's limits and scope.
type Target struct {
	SessionID  string
	MaxDepth   int
	PageBudget int
	MaxRetries int
	Scope      *crawler.Scope
}

// NewTarget compiles the session's scope. A bad pattern is a configuration error.
func NewTarget(session crawler.Session) (Target, error) {
	scope, err := crawler.NewScope(session.Config)
	if err != nil {
		return Target{}, fmt.Errorf("session %s scope: %w", session.ID, err)
	}
	maxRetries := session.Config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Target{
		SessionID:  session.ID,
		MaxDepth:   session.Config.MaxDepth,
		PageBudget: session.Config.PageBudget,
		MaxRetries: maxRetries,
		Scope:      scope,
	}, nil
}

// Service is the URL frontier. It holds no session state of its own; every
// decision goes through the atomic operations of the frontier and lease stores,
// so any number of processes may share a session.
type Service struct {
	store      crawler.FrontierStore
	leases     crawler.LeaseStore
	clock      crawler.Clock
	normalizer *crawler.URLNormalizer
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Service.
func New(
	store crawler.FrontierStore,
	leases crawler.LeaseStore,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.CandidateBatch <= 0 {
		cfg.CandidateBatch = defaultCandidateBatch
	}
	if cfg.Backoff == (crawler.BackoffPolicy{}) {
		cfg.Backoff = crawler.DefaultBackoff()
	}
	return &Service{
		store:      store,
		leases:     leases,
		clock:      clock,
		normalizer: crawler.NewURLNormalizer(cfg.TrackingParams),
		cfg:        cfg,
		logger:     logger.Named("frontier"),
	}
}

// LeaseTTL is the lease duration granted by DequeueNext and Renew.
func (s *Service) LeaseTTL() time.Duration {
	return s.cfg.LeaseTTL
}

// Enqueue offers a discovered URL to the session's frontier.
func (s *Service) Enqueue(
	ctx context.Context,
	target Target,
	rawURL string,
	depth, priority int,
) (crawler.EnqueueResult, error) {
	result, err := s.enqueue(ctx, target, rawURL, depth, priority)
	if err != nil {
		return "", err
	}
	metrics.ObserveEnqueue(string(result))
	return result, nil
}

func (s *Service) enqueue(
	ctx context.Context,
	target Target,
	rawURL string,
	depth, priority int,
) (crawler.EnqueueResult, error) {
	normalized, hash, err := s.normalizer.Hash(rawURL)
	if err != nil {
		s.logger.Debug("unparseable link", zap.String("url", rawURL), zap.Error(err))
		return crawler.RejectedOutOfScope, nil
	}
	if target.Scope != nil && !target.Scope.Allows(normalized) {
		return crawler.RejectedOutOfScope, nil
	}
	if depth > target.MaxDepth {
		return crawler.RejectedDepthExceeded, nil
	}
	if target.Scope != nil {
		priority = target.Scope.Priority(normalized, priority)
	}
	entry := crawler.FrontierEntry{
		SessionID:  target.SessionID,
		URL:        normalized,
		URLHash:    hash,
		Depth:      depth,
		Priority:   priority,
		MaxRetries: target.MaxRetries,
	}
	result, err := s.store.Insert(ctx, entry, target.PageBudget, s.clock.Now())
	if err != nil {
		return "", fmt.Errorf("insert frontier entry: %w", err)
	}
	return result, nil
}

// DequeueNext leases the highest-priority claimable entry to holderID. It
// returns ErrFrontierEmpty when nothing is claimable right now and
// ErrBudgetExhausted when the budget is fully committed.
func (s *Service) DequeueNext(ctx context.Context, target Target, holderID string) (crawler.FrontierEntry, error) {
	candidates, err := s.store.Candidates(ctx, target.SessionID, s.clock.Now(), s.cfg.CandidateBatch)
	if err != nil {
		return crawler.FrontierEntry{}, fmt.Errorf("list candidates: %w", err)
	}
	for _, candidate := range candidates {
		entry, err := s.claim(ctx, target, candidate, holderID)
		switch {
		case err == nil:
			return entry, nil
		case errors.Is(err, crawler.ErrLeaseDenied), errors.Is(err, crawler.ErrNotClaimable):
			continue
		default:
			return crawler.FrontierEntry{}, err
		}
	}
	return crawler.FrontierEntry{}, crawler.ErrFrontierEmpty
}

func (s *Service) claim(
	ctx context.Context,
	target Target,
	candidate crawler.FrontierEntry,
	holderID string,
) (crawler.FrontierEntry, error) {
	key := LeaseKey(target.SessionID, candidate.URLHash)
	lease, err := s.leases.TryAcquire(ctx, key, holderID, s.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, crawler.ErrLeaseDenied) {
			metrics.ObserveLease("frontier", false)
			return crawler.FrontierEntry{}, err
		}
		return crawler.FrontierEntry{}, fmt.Errorf("acquire %s: %w", key, err)
	}
	metrics.ObserveLease("frontier", true)

	entry, err := s.store.MarkLeased(
		ctx,
		target.SessionID,
		candidate.URLHash,
		holderID,
		lease.ExpiresAt,
		target.PageBudget,
		lease.AcquiredAt,
	)
	if err != nil {
		s.release(ctx, key, holderID)
		if errors.Is(err, crawler.ErrNotClaimable) || errors.Is(err, crawler.ErrNotFound) {
			return crawler.FrontierEntry{}, crawler.ErrNotClaimable
		}
		if errors.Is(err, crawler.ErrBudgetExhausted) {
			return crawler.FrontierEntry{}, crawler.ErrBudgetExhausted
		}
		return crawler.FrontierEntry{}, fmt.Errorf("mark leased: %w", err)
	}
	if entry.RetryCount > candidate.RetryCount {
		s.logger.Info("reclaimed expired lease",
			zap.String("session_id", target.SessionID),
			zap.String("url", entry.URL),
			zap.Int("retry_count", entry.RetryCount),
		)
	}
	return entry, nil
}

// Renew extends holderID's lease on entry in both the lease store and the frontier.
func (s *Service) Renew(ctx context.Context, entry crawler.FrontierEntry, holderID string) error {
	key := LeaseKey(entry.SessionID, entry.URLHash)
	ok, err := s.leases.Renew(ctx, key, holderID, s.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("renew %s: %w", key, err)
	}
	if !ok {
		return crawler.ErrLeaseNotHeld
	}
	now := s.clock.Now()
	if err := s.store.ExtendLease(ctx, entry.SessionID, entry.URLHash, holderID, now.Add(s.cfg.LeaseTTL), now); err != nil {
		return fmt.Errorf("extend frontier lease: %w", err)
	}
	return nil
}

// MarkDone settles a leased entry. Retry reopens it with retryCount+1 after a
// backoff delay, or fails it once retries are exhausted. The returned entry
// carries the final status. ErrLeaseNotHeld means the lease was lost and
// another worker may already own the entry.
func (s *Service) MarkDone(
	ctx context.Context,
	entry crawler.FrontierEntry,
	holderID string,
	outcome crawler.Outcome,
	cause error,
) (crawler.FrontierEntry, error) {
	now := s.clock.Now()
	completion := crawler.Completion{At: now, RetryCount: entry.RetryCount}
	if cause != nil {
		completion.LastError = cause.Error()
	}
	switch outcome {
	case crawler.OutcomeDone:
		completion.Status = crawler.EntryDone
		completion.LastError = ""
	case crawler.OutcomeRetry:
		completion.RetryCount = entry.RetryCount + 1
		if completion.RetryCount > entry.MaxRetries {
			completion.Status = crawler.EntryFailed
			break
		}
		completion.Status = crawler.EntryPending
		completion.EligibleAt = now.Add(s.cfg.Backoff.Delay(completion.RetryCount))
	case crawler.OutcomeFailed:
		completion.Status = crawler.EntryFailed
	default:
		return crawler.FrontierEntry{}, fmt.Errorf("unknown outcome %q", outcome)
	}

	key := LeaseKey(entry.SessionID, entry.URLHash)
	settled, err := s.store.Complete(ctx, entry.SessionID, entry.URLHash, holderID, completion)
	if err != nil {
		s.release(ctx, key, holderID)
		if errors.Is(err, crawler.ErrLeaseNotHeld) {
			return crawler.FrontierEntry{}, crawler.ErrLeaseNotHeld
		}
		return crawler.FrontierEntry{}, fmt.Errorf("complete entry: %w", err)
	}
	s.release(ctx, key, holderID)
	return settled, nil
}

func (s *Service) release(ctx context.Context, key, holderID string) {
	if err := s.leases.Release(ctx, key, holderID, crawler.LeaseReleased); err != nil {
		s.logger.Warn("release lease failed", zap.String("resource_key", key), zap.Error(err))
	}
}

// Counts summarises the session's entries at the current time.
func (s *Service) Counts(ctx context.Context, sessionID string) (crawler.FrontierCounts, error) {
	counts, err := s.store.Counts(ctx, sessionID, s.clock.Now())
	if err != nil {
		return crawler.FrontierCounts{}, fmt.Errorf("frontier counts: %w", err)
	}
	return counts, nil
}

// Snapshot captures the session frontier as a checkpoint. Leased entries are
// recorded as pending so a restore makes them claimable again.
func (s *Service) Snapshot(
	ctx context.Context,
	sessionID string,
	stats crawler.CheckpointStats,
) (crawler.Checkpoint, error) {
	entries, err := s.store.List(ctx, sessionID)
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("list frontier: %w", err)
	}
	cp := crawler.Checkpoint{
		SessionID:        sessionID,
		VisitedURLHashes: []string{},
		PendingURLHashes: []string{},
		FailedURLHashes:  []string{},
		Pending:          []crawler.PendingEntry{},
		Stats:            stats,
		TakenAt:          s.clock.Now(),
	}
	for _, e := range entries {
		switch e.Status {
		case crawler.EntryDone:
			cp.VisitedURLHashes = append(cp.VisitedURLHashes, e.URLHash)
		case crawler.EntryFailed:
			cp.FailedURLHashes = append(cp.FailedURLHashes, e.URLHash)
		default:
			cp.PendingURLHashes = append(cp.PendingURLHashes, e.URLHash)
			cp.Pending = append(cp.Pending, crawler.PendingEntry{
				URL:        e.URL,
				URLHash:    e.URLHash,
				Depth:      e.Depth,
				Priority:   e.Priority,
				RetryCount: e.RetryCount,
			})
		}
	}
	return cp, nil
}

// Restore rehydrates the session frontier from checkpoint. It is idempotent.
func (s *Service) Restore(ctx context.Context, checkpoint crawler.Checkpoint, maxRetries int) error {
	if err := s.store.Restore(ctx, checkpoint, maxRetries, s.clock.Now()); err != nil {
		return fmt.Errorf("restore frontier: %w", err)
	}
	return nil
}

// Purge drops a finished session's entries.
func (s *Service) Purge(ctx context.Context, sessionID string) error {
	if err := s.store.Purge(ctx, sessionID); err != nil {
		return fmt.Errorf("purge frontier: %w", err)
	}
	return nil
}
