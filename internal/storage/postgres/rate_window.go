package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// hitWindowSQL counts one request against the key's fixed window, opening a new
// window when the stored one has ended.
const hitWindowSQL = `
INSERT INTO rate_windows (key, window_start, window_end, count, "limit")
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (key) DO UPDATE
SET window_start = CASE WHEN rate_windows.window_end <= $5 THEN EXCLUDED.window_start ELSE rate_windows.window_start END,
    window_end = CASE WHEN rate_windows.window_end <= $5 THEN EXCLUDED.window_end ELSE rate_windows.window_end END,
    count = CASE WHEN rate_windows.window_end <= $5 THEN 1 ELSE rate_windows.count + 1 END,
    "limit" = EXCLUDED."limit"
RETURNING key, window_start, window_end, count, "limit"`

// RateGovernor is a fixed-window crawler.RateGovernor over the rate_windows table,
// shared by every process pointed at the same database.
type RateGovernor struct {
	db    DB
	clock crawler.Clock
}

// NewRateGovernor builds a RateGovernor. A nil clock uses the system clock.
func NewRateGovernor(db DB, clock crawler.Clock) (*RateGovernor, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &RateGovernor{db: db, clock: clock}, nil
}

// Permit counts a request for key and answers Allowed or Wait until the window ends.
func (g *RateGovernor) Permit(ctx context.Context, key string, ratePerSec float64) (crawler.Permit, error) {
	window, limit := crawler.WindowFor(ratePerSec)
	now := g.clock.Now()
	start := now.Truncate(window)
	var w crawler.RateWindow
	err := g.db.QueryRow(ctx, hitWindowSQL, key, start, start.Add(window), limit, now).Scan(
		&w.Key,
		&w.WindowStart,
		&w.WindowEnd,
		&w.Count,
		&w.Limit,
	)
	if err != nil {
		return crawler.Permit{}, fmt.Errorf("hit rate window %s: %w", key, err)
	}
	if w.Count <= w.Limit {
		return crawler.Permit{Allowed: true}, nil
	}
	wait := w.WindowEnd.Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return crawler.Permit{Wait: wait}, nil
}
