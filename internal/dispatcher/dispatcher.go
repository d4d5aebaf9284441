// Package dispatcher joins this process's worker pools to running sessions.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// Runner crawls one session until it leaves running. worker.Pool satisfies it.
type Runner interface {
	Run(ctx context.Context, session crawler.Session) error
}

// Config controls polling and fan-out.
type Config struct {
	// PollInterval is how often the session store is scanned for running sessions.
	PollInterval time.Duration
	// MaxSessions bounds the sessions this process crawls at once; 0 is unbounded.
	MaxSessions int
}

// Dispatcher watches for running sessions and starts one pool per session.
// Several processes may dispatch the same session; the frontier's leases keep
// their workers from colliding.
type Dispatcher struct {
	sessions crawler.SessionStore
	wakeups  crawler.Queue
	runner   Runner
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// New creates a Dispatcher. wakeups may be nil, in which case only polling is used.
func New(sessions crawler.SessionStore, wakeups crawler.Queue, runner Runner, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions: sessions,
		wakeups:  wakeups,
		runner:   runner,
		cfg:      cfg,
		logger:   logger.Named("dispatcher"),
		active:   make(map[string]struct{}),
	}
}

// Run dispatches until ctx finishes, then waits for every pool to stop.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.wakeups != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.listen(ctx)
		}()
	}

	d.poll(ctx)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// Active returns the ids of sessions with a pool running in this process.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.active))
	for id := range d.active {
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) listen(ctx context.Context) {
	for {
		item, err := d.wakeups.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("wakeup dequeue failed", zap.Error(err))
			if !sleep(ctx, d.cfg.PollInterval) {
				return
			}
			continue
		}
		session, err := d.sessions.Get(ctx, item.SessionID)
		if err != nil {
			if !errors.Is(err, crawler.ErrNotFound) && ctx.Err() == nil {
				d.logger.Warn("load woken session", zap.String("session_id", item.SessionID), zap.Error(err))
			}
			continue
		}
		d.join(ctx, session)
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	running, err := d.sessions.ListByStatus(ctx, crawler.SessionRunning)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("list running sessions", zap.Error(err))
		}
		return
	}
	for _, session := range running {
		d.join(ctx, session)
	}
}

// join starts a pool for session unless one is already running here.
func (d *Dispatcher) join(ctx context.Context, session crawler.Session) {
	if session.Status != crawler.SessionRunning || ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	if _, ok := d.active[session.ID]; ok {
		d.mu.Unlock()
		return
	}
	if d.cfg.MaxSessions > 0 && len(d.active) >= d.cfg.MaxSessions {
		d.mu.Unlock()
		d.logger.Debug("session capacity reached", zap.String("session_id", session.ID))
		return
	}
	d.active[session.ID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.active, session.ID)
			d.mu.Unlock()
		}()
		if err := d.runner.Run(ctx, session); err != nil {
			d.logger.Error("session pool failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}()
}

// Enqueue proxies to the wakeup queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if d.wakeups == nil {
		return nil
	}
	if err := d.wakeups.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

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
