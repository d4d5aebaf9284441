// Package redis implements the cross-machine lease store, fixed-window rate governor
// and worker registry on Redis. Every compare-and-swap is a single Lua script.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// DefaultKeyPrefix namespaces every key written by this package.
const DefaultKeyPrefix = "siteaudit:"

// leaseRetention keeps released/expired lease records readable for a while.
const leaseRetention = 24 * time.Hour

var acquireScript = goredis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "holder", "expires_at", "status")
local now = tonumber(ARGV[2])
if cur[3] == "held" and tonumber(cur[2]) > now and cur[1] ~= ARGV[1] then
	return 0
end
local exp = now + tonumber(ARGV[3])
redis.call("HSET", KEYS[1], "holder", ARGV[1], "acquired_at", now, "expires_at", exp, "status", "held")
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[5]))
redis.call("ZADD", KEYS[2], exp, ARGV[4])
return 1
`)

var renewScript = goredis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "holder", "expires_at", "status")
local now = tonumber(ARGV[2])
if cur[3] ~= "held" or cur[1] ~= ARGV[1] or tonumber(cur[2]) <= now then
	return 0
end
local exp = now + tonumber(ARGV[3])
redis.call("HSET", KEYS[1], "expires_at", exp)
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[5]))
redis.call("ZADD", KEYS[2], exp, ARGV[4])
return 1
`)

var releaseScript = goredis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "holder", "status")
if cur[2] ~= "held" or cur[1] ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "expires_at", ARGV[3])
redis.call("ZREM", KEYS[2], ARGV[4])
return 1
`)

var reapScript = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local reaped = {}
for _, member in ipairs(due) do
	local key = ARGV[2] .. member
	local cur = redis.call("HMGET", key, "expires_at", "status")
	if cur[2] == "held" and tonumber(cur[1]) <= tonumber(ARGV[1]) then
		redis.call("HSET", key, "status", "expired")
		table.insert(reaped, member)
	end
	redis.call("ZREM", KEYS[1], member)
end
return reaped
`)

// LeaseStore implements crawler.LeaseStore on Redis hashes plus a sorted set of held expiries.
type LeaseStore struct {
	client goredis.UniversalClient
	clock  crawler.Clock
	prefix string
}

// NewLeaseStore builds a LeaseStore. An empty prefix selects DefaultKeyPrefix.
func NewLeaseStore(client goredis.UniversalClient, clock crawler.Clock, prefix string) (*LeaseStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &LeaseStore{client: client, clock: clock, prefix: prefix}, nil
}

func (s *LeaseStore) leaseKey(resourceKey string) string { return s.prefix + "lease:" + resourceKey }
func (s *LeaseStore) heldKey() string                    { return s.prefix + "leases:held" }

// TryAcquire claims resourceKey when it is free or already held by holderID.
func (s *LeaseStore) TryAcquire(
	ctx context.Context,
	resourceKey, holderID string,
	ttl time.Duration,
) (crawler.Lease, error) {
	if ttl <= 0 {
		return crawler.Lease{}, fmt.Errorf("acquire %s: ttl must be positive", resourceKey)
	}
	now := s.clock.Now()
	won, err := acquireScript.Run(ctx, s.client,
		[]string{s.leaseKey(resourceKey), s.heldKey()},
		holderID, now.UnixMilli(), ttl.Milliseconds(), resourceKey, leaseRetention.Milliseconds(),
	).Int()
	if err != nil {
		return crawler.Lease{}, fmt.Errorf("acquire lease %s: %w", resourceKey, err)
	}
	if won == 0 {
		return crawler.Lease{}, crawler.ErrLeaseDenied
	}
	return crawler.Lease{
		ResourceKey: resourceKey,
		HolderID:    holderID,
		AcquiredAt:  time.UnixMilli(now.UnixMilli()).UTC(),
		ExpiresAt:   time.UnixMilli(now.UnixMilli() + ttl.Milliseconds()).UTC(),
		Status:      crawler.LeaseHeld,
	}, nil
}

// Renew extends an unexpired lease held by holderID.
func (s *LeaseStore) Renew(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error) {
	ok, err := renewScript.Run(ctx, s.client,
		[]string{s.leaseKey(resourceKey), s.heldKey()},
		holderID, s.clock.Now().UnixMilli(), ttl.Milliseconds(), resourceKey, leaseRetention.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", resourceKey, err)
	}
	return ok == 1, nil
}

// Release ends a lease held by holderID.
func (s *LeaseStore) Release(ctx context.Context, resourceKey, holderID string, status crawler.LeaseStatus) error {
	if status == "" || status == crawler.LeaseHeld {
		status = crawler.LeaseReleased
	}
	err := releaseScript.Run(ctx, s.client,
		[]string{s.leaseKey(resourceKey), s.heldKey()},
		holderID, string(status), s.clock.Now().UnixMilli(), resourceKey,
	).Err()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", resourceKey, err)
	}
	return nil
}

// Reap flips held-but-expired leases to expired.
func (s *LeaseStore) Reap(ctx context.Context) ([]string, error) {
	keys, err := reapScript.Run(ctx, s.client,
		[]string{s.heldKey()},
		s.clock.Now().UnixMilli(), s.prefix+"lease:",
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("reap leases: %w", err)
	}
	return keys, nil
}

// Get reads the lease record.
func (s *LeaseStore) Get(ctx context.Context, resourceKey string) (crawler.Lease, error) {
	fields, err := s.client.HGetAll(ctx, s.leaseKey(resourceKey)).Result()
	if err != nil {
		return crawler.Lease{}, fmt.Errorf("get lease %s: %w", resourceKey, err)
	}
	if len(fields) == 0 {
		return crawler.Lease{}, crawler.ErrNotFound
	}
	acquired, err := strconv.ParseInt(fields["acquired_at"], 10, 64)
	if err != nil {
		return crawler.Lease{}, fmt.Errorf("parse acquired_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return crawler.Lease{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return crawler.Lease{
		ResourceKey: resourceKey,
		HolderID:    fields["holder"],
		AcquiredAt:  time.UnixMilli(acquired).UTC(),
		ExpiresAt:   time.UnixMilli(expires).UTC(),
		Status:      crawler.LeaseStatus(fields["status"]),
	}, nil
}
