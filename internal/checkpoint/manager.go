// Package checkpoint snapshots session frontiers so a paused or crashed
// session resumes without recrawling visited pages.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/frontier"
	"github.com/JakeFAU/siteaudit-crawler/internal/metrics"
	"github.com/JakeFAU/siteaudit-crawler/internal/progress"
)

// LeaseKeyPrefix namespaces the per-session snapshot guard lease.
const LeaseKeyPrefix = "checkpoint:"

const (
	defaultInterval = time.Minute
	defaultKeep     = 3
)

// Config controls snapshot cadence and retention.
type Config struct {
	// Interval is the timer cadence; the guard lease lasts one interval.
	Interval time.Duration
	// EveryPages triggers a snapshot after this many locally processed pages; zero disables it.
	EveryPages int
	// Keep is the number of checkpoints retained per session.
	Keep int
}

// Manager takes and restores checkpoints.
type Manager struct {
	frontier    *frontier.Service
	checkpoints crawler.CheckpointStore
	sessions    crawler.SessionStore
	leases      crawler.LeaseStore
	clock       crawler.Clock
	emitter     progress.Emitter
	holderID    string
	cfg         Config
	logger      *zap.Logger

	mu        sync.Mutex
	processed map[string]int
}

// NewManager constructs a Manager. holderID identifies this process on the guard lease.
func NewManager(
	front *frontier.Service,
	checkpoints crawler.CheckpointStore,
	sessions crawler.SessionStore,
	leases crawler.LeaseStore,
	clock crawler.Clock,
	emitter progress.Emitter,
	holderID string,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if clock == nil {
		clock = system.New()
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Keep <= 0 {
		cfg.Keep = defaultKeep
	}
	return &Manager{
		frontier:    front,
		checkpoints: checkpoints,
		sessions:    sessions,
		leases:      leases,
		clock:       clock,
		emitter:     emitter,
		holderID:    holderID,
		cfg:         cfg,
		logger:      logger.Named("checkpoint"),
		processed:   make(map[string]int),
	}
}

// Snapshot persists the session's current frontier and counters, then prunes old checkpoints.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (crawler.Checkpoint, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		metrics.ObserveCheckpoint("error")
		return crawler.Checkpoint{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	cp, err := m.frontier.Snapshot(ctx, sessionID, crawler.CheckpointStats{
		PagesCrawled:    session.PagesCrawled,
		PagesDiscovered: session.PagesDiscovered,
		PagesFailed:     session.PagesFailed,
	})
	if err != nil {
		metrics.ObserveCheckpoint("error")
		return crawler.Checkpoint{}, err
	}
	if err := m.checkpoints.Save(ctx, cp); err != nil {
		metrics.ObserveCheckpoint("error")
		return crawler.Checkpoint{}, fmt.Errorf("save checkpoint: %w", err)
	}
	if err := m.checkpoints.Prune(ctx, sessionID, m.cfg.Keep); err != nil {
		m.logger.Warn("prune checkpoints failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	metrics.ObserveCheckpoint("saved")
	m.emitter.Emit(progress.Event{SessionID: sessionID, TS: cp.TakenAt, Stage: progress.StageCheckpoint})
	m.logger.Debug("checkpoint saved",
		zap.String("session_id", sessionID),
		zap.Int("visited", len(cp.VisitedURLHashes)),
		zap.Int("pending", len(cp.PendingURLHashes)),
		zap.Int("failed", len(cp.FailedURLHashes)),
	)
	return cp, nil
}

// Restore rehydrates the frontier from the latest checkpoint and raises the
// session counters to its stats. It returns crawler.ErrNotFound when the session
// has never been checkpointed.
func (m *Manager) Restore(ctx context.Context, session crawler.Session) (crawler.Checkpoint, error) {
	cp, err := m.checkpoints.Latest(ctx, session.ID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Checkpoint{}, crawler.ErrNotFound
		}
		return crawler.Checkpoint{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	if err := m.frontier.Restore(ctx, cp, session.Config.MaxRetries); err != nil {
		return crawler.Checkpoint{}, err
	}
	// Live counters may already include pages settled after the snapshot.
	if err := m.sessions.RaiseCounters(ctx, session.ID, cp.Stats); err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("resume counters: %w", err)
	}
	m.logger.Info("frontier restored",
		zap.String("session_id", session.ID),
		zap.Time("taken_at", cp.TakenAt),
		zap.Int("pending", len(cp.Pending)),
	)
	return cp, nil
}

// PageProcessed counts a locally finished page and snapshots every EveryPages pages.
func (m *Manager) PageProcessed(ctx context.Context, sessionID string) {
	if m.cfg.EveryPages <= 0 {
		return
	}
	m.mu.Lock()
	m.processed[sessionID]++
	due := m.processed[sessionID] >= m.cfg.EveryPages
	if due {
		m.processed[sessionID] = 0
	}
	m.mu.Unlock()
	if !due {
		return
	}
	if _, err := m.Snapshot(ctx, sessionID); err != nil {
		m.logger.Warn("page-count checkpoint failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Forget drops local page counters for a finished session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.processed, sessionID)
	m.mu.Unlock()
}

// Tick snapshots every running session whose guard lease this process wins.
// Other processes running the same tick lose the lease until the interval passes.
func (m *Manager) Tick(ctx context.Context) error {
	running, err := m.sessions.ListByStatus(ctx, crawler.SessionRunning)
	if err != nil {
		return fmt.Errorf("list running sessions: %w", err)
	}
	for _, session := range running {
		key := LeaseKeyPrefix + session.ID
		if _, err := m.leases.TryAcquire(ctx, key, m.holderID, m.cfg.Interval); err != nil {
			if errors.Is(err, crawler.ErrLeaseDenied) {
				metrics.ObserveLease("checkpoint", false)
				continue
			}
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		metrics.ObserveLease("checkpoint", true)
		if _, err := m.Snapshot(ctx, session.ID); err != nil {
			m.logger.Warn("timed checkpoint failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	return nil
}

// Run ticks every Interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("checkpoint tick failed", zap.Error(err))
			}
		}
	}
}
