// Package ratelimit implements per-key token buckets used as the in-process rate governor.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// Governor manages one token bucket per key (domain:<host> or api:<name>).
// It only coordinates callers within one process; shared deployments use the
// Redis or Postgres window stores instead.
type Governor struct {
	mu       sync.Mutex
	clock    crawler.Clock
	limiters map[string]*rate.Limiter
}

// New creates a Governor. A nil clock uses the system clock.
func New(clock crawler.Clock) *Governor {
	if clock == nil {
		clock = system.New()
	}
	return &Governor{clock: clock, limiters: make(map[string]*rate.Limiter)}
}

// Permit takes a token for key if one is available, otherwise it reports how
// long the caller must wait before asking again. A non-positive rate is unlimited.
func (g *Governor) Permit(_ context.Context, key string, ratePerSec float64) (crawler.Permit, error) {
	if ratePerSec <= 0 {
		return crawler.Permit{Allowed: true}, nil
	}
	now := g.clock.Now()
	limiter := g.limiter(key, rate.Limit(ratePerSec), now)

	res := limiter.ReserveN(now, 1)
	if !res.OK() {
		return crawler.Permit{}, fmt.Errorf("reserve %s: burst exceeded", key)
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return crawler.Permit{Allowed: true}, nil
	}
	// Hand the token back so the caller's retry after delay finds it.
	res.CancelAt(now)
	return crawler.Permit{Wait: delay}, nil
}

func (g *Governor) limiter(key string, limit rate.Limit, now time.Time) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(limit, 1)
		g.limiters[key] = limiter
		return limiter
	}
	if limiter.Limit() != limit {
		limiter.SetLimitAt(now, limit)
	}
	return limiter
}

// Await blocks until governor grants a permit for key or ctx ends. Every wait
// the governor asks for is honoured in full before the next permit check.
// It returns the total time spent waiting.
func Await(
	ctx context.Context,
	governor crawler.RateGovernor,
	key string,
	ratePerSec float64,
	logger *zap.Logger,
) (time.Duration, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var waited time.Duration
	for {
		permit, err := governor.Permit(ctx, key, ratePerSec)
		if err != nil {
			return waited, fmt.Errorf("rate permit %s: %w", key, err)
		}
		if permit.Allowed {
			return waited, nil
		}
		logger.Debug("rate limited", zap.String("key", key), zap.Duration("wait", permit.Wait))
		timer := time.NewTimer(permit.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
			waited += permit.Wait
		}
	}
}
