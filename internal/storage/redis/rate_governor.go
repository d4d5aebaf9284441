package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// hitScript counts one request in the key's fixed window and returns {allowed, waitMillis}.
var hitScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local stored = redis.call("HMGET", KEYS[1], "window_end", "count")
local wend = tonumber(stored[1])
local count = tonumber(stored[2])
if wend == nil or wend <= now then
	local start = now - (now % window)
	wend = start + window
	redis.call("HSET", KEYS[1], "window_start", start, "window_end", wend, "count", 1, "limit", limit)
	redis.call("PEXPIRE", KEYS[1], window * 2)
	return {1, 0}
end
if count < limit then
	redis.call("HINCRBY", KEYS[1], "count", 1)
	redis.call("HSET", KEYS[1], "limit", limit)
	return {1, 0}
end
return {0, wend - now}
`)

// RateGovernor is a crawler.RateGovernor shared by every process using the same Redis.
type RateGovernor struct {
	client goredis.UniversalClient
	clock  crawler.Clock
	prefix string
}

// NewRateGovernor builds a RateGovernor. An empty prefix selects DefaultKeyPrefix.
func NewRateGovernor(client goredis.UniversalClient, clock crawler.Clock, prefix string) (*RateGovernor, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RateGovernor{client: client, clock: clock, prefix: prefix}, nil
}

// Permit counts a request for key against its RateWindow.
func (g *RateGovernor) Permit(ctx context.Context, key string, ratePerSec float64) (crawler.Permit, error) {
	window, limit := crawler.WindowFor(ratePerSec)
	res, err := hitScript.Run(ctx, g.client,
		[]string{g.prefix + "rate:" + key},
		g.clock.Now().UnixMilli(), window.Milliseconds(), limit,
	).Int64Slice()
	if err != nil {
		return crawler.Permit{}, fmt.Errorf("hit rate window %s: %w", key, err)
	}
	if len(res) != 2 {
		return crawler.Permit{}, fmt.Errorf("hit rate window %s: unexpected reply %v", key, res)
	}
	if res[0] == 1 {
		return crawler.Permit{Allowed: true}, nil
	}
	return crawler.Permit{Wait: time.Duration(res[1]) * time.Millisecond}, nil
}

// Window reads the stored RateWindow for key, mainly for status and debugging.
func (g *RateGovernor) Window(ctx context.Context, key string) (crawler.RateWindow, error) {
	var raw struct {
		Start int64 `redis:"window_start"`
		End   int64 `redis:"window_end"`
		Count int   `redis:"count"`
		Limit int   `redis:"limit"`
	}
	cmd := g.client.HGetAll(ctx, g.prefix+"rate:"+key)
	if err := cmd.Err(); err != nil {
		return crawler.RateWindow{}, fmt.Errorf("read rate window %s: %w", key, err)
	}
	if len(cmd.Val()) == 0 {
		return crawler.RateWindow{}, crawler.ErrNotFound
	}
	if err := cmd.Scan(&raw); err != nil {
		return crawler.RateWindow{}, fmt.Errorf("scan rate window %s: %w", key, err)
	}
	return crawler.RateWindow{
		Key:         key,
		WindowStart: time.UnixMilli(raw.Start).UTC(),
		WindowEnd:   time.UnixMilli(raw.End).UTC(),
		Count:       raw.Count,
		Limit:       raw.Limit,
	}, nil
}
