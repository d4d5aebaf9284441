// Package reaper expires dead leases and drops the frontiers of finished sessions.
//
// Lease expiry is already enforced by every reader comparing expiresAt to the
// clock; the reaper only makes the lease table reflect it and keeps storage
// bounded. Any process may run it. A guard lease lets one process sweep per interval.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/metrics"
)

// GuardKey is the lease that elects the sweeping process.
const GuardKey = "job:reaper"

// Purger drops a finished session's frontier. frontier.Service satisfies it.
type Purger interface {
	Purge(ctx context.Context, sessionID string) error
}

// Config controls the sweep cadence.
type Config struct {
	Interval time.Duration
	// Retention is how long a finished session keeps its frontier.
	Retention time.Duration
}

// Result summarises one sweep.
type Result struct {
	Expired []string
	Purged  []string
}

// Reaper sweeps leases and finished sessions.
type Reaper struct {
	leases   crawler.LeaseStore
	sessions crawler.SessionStore
	frontier Purger
	clock    crawler.Clock
	holderID string
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	purged map[string]struct{}
}

// New constructs a Reaper.
func New(
	leases crawler.LeaseStore,
	sessions crawler.SessionStore,
	frontier Purger,
	clock crawler.Clock,
	holderID string,
	cfg Config,
	logger *zap.Logger,
) *Reaper {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	return &Reaper{
		leases:   leases,
		sessions: sessions,
		frontier: frontier,
		clock:    clock,
		holderID: holderID,
		cfg:      cfg,
		logger:   logger.Named("reaper"),
		purged:   make(map[string]struct{}),
	}
}

// Sweep runs once if this process wins the guard lease. A lost guard returns
// an empty Result and no error.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	if _, err := r.leases.TryAcquire(ctx, GuardKey, r.holderID, r.cfg.Interval); err != nil {
		if errors.Is(err, crawler.ErrLeaseDenied) {
			metrics.ObserveLease("job", false)
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("acquire %s: %w", GuardKey, err)
	}
	metrics.ObserveLease("job", true)

	var res Result
	expired, err := r.leases.Reap(ctx)
	if err != nil {
		return res, fmt.Errorf("reap leases: %w", err)
	}
	for _, key := range expired {
		if key == GuardKey {
			continue
		}
		res.Expired = append(res.Expired, key)
	}
	if len(res.Expired) > 0 {
		r.logger.Info("expired leases reaped", zap.Int("count", len(res.Expired)), zap.Strings("kinds", kinds(res.Expired)))
	}

	purged, err := r.purgeFinished(ctx)
	res.Purged = purged
	if err != nil {
		return res, err
	}
	return res, nil
}

func (r *Reaper) purgeFinished(ctx context.Context) ([]string, error) {
	if r.frontier == nil {
		return nil, nil
	}
	cutoff := r.clock.Now().Add(-r.cfg.Retention)
	var purged []string
	for _, status := range []crawler.SessionStatus{crawler.SessionCompleted, crawler.SessionFailed} {
		sessions, err := r.sessions.ListByStatus(ctx, status)
		if err != nil {
			return purged, fmt.Errorf("list %s sessions: %w", status, err)
		}
		for _, s := range sessions {
			if s.CompletedAt == nil || s.CompletedAt.After(cutoff) || r.wasPurged(s.ID) {
				continue
			}
			if err := r.frontier.Purge(ctx, s.ID); err != nil {
				return purged, fmt.Errorf("purge session %s: %w", s.ID, err)
			}
			r.markPurged(s.ID)
			purged = append(purged, s.ID)
			r.logger.Debug("frontier purged", zap.String("session_id", s.ID), zap.String("status", string(status)))
		}
	}
	return purged, nil
}

func (r *Reaper) wasPurged(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.purged[id]
	return ok
}

func (r *Reaper) markPurged(id string) {
	r.mu.Lock()
	r.purged[id] = struct{}{}
	r.mu.Unlock()
}

// Run sweeps every Interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// kinds reduces keys to their distinct prefixes for logging.
func kinds(keys []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range keys {
		kind, _, _ := strings.Cut(k, ":")
		if !seen[kind] {
			seen[kind] = true
			out = append(out, kind)
		}
	}
	return out
}
