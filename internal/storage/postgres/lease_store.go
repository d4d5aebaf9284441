package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

const acquireLeaseSQL = `
INSERT INTO leases (resource_key, holder_id, acquired_at, expires_at, status)
VALUES ($1, $2, $3, $4, 'held')
ON CONFLICT (resource_key) DO UPDATE
SET holder_id = EXCLUDED.holder_id,
    acquired_at = EXCLUDED.acquired_at,
    expires_at = EXCLUDED.expires_at,
    status = 'held'
WHERE leases.status <> 'held'
   OR leases.expires_at <= EXCLUDED.acquired_at
   OR leases.holder_id = EXCLUDED.holder_id
RETURNING resource_key, holder_id, acquired_at, expires_at, status`

const renewLeaseSQL = `
UPDATE leases SET expires_at = $4
WHERE resource_key = $1 AND holder_id = $2 AND status = 'held' AND expires_at > $3`

const releaseLeaseSQL = `
UPDATE leases SET status = $3, expires_at = $4
WHERE resource_key = $1 AND holder_id = $2 AND status = 'held'`

const reapLeasesSQL = `
UPDATE leases SET status = 'expired'
WHERE status = 'held' AND expires_at <= $1
RETURNING resource_key`

const getLeaseSQL = `
SELECT resource_key, holder_id, acquired_at, expires_at, status
FROM leases WHERE resource_key = $1`

// LeaseStore implements crawler.LeaseStore with a single conditional UPSERT per acquire.
type LeaseStore struct {
	db    DB
	clock crawler.Clock
}

// NewLeaseStore builds a LeaseStore. A nil clock uses the system clock.
func NewLeaseStore(db DB, clock crawler.Clock) (*LeaseStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &LeaseStore{db: db, clock: clock}, nil
}

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
	var lease crawler.Lease
	err := s.db.QueryRow(ctx, acquireLeaseSQL, resourceKey, holderID, now, now.Add(ttl)).Scan(
		&lease.ResourceKey,
		&lease.HolderID,
		&lease.AcquiredAt,
		&lease.ExpiresAt,
		&lease.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Lease{}, crawler.ErrLeaseDenied
	}
	if err != nil {
		return crawler.Lease{}, fmt.Errorf("acquire lease %s: %w", resourceKey, err)
	}
	return lease, nil
}

// Renew extends an unexpired lease held by holderID.
func (s *LeaseStore) Renew(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	tag, err := s.db.Exec(ctx, renewLeaseSQL, resourceKey, holderID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", resourceKey, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release ends a lease held by holderID.
func (s *LeaseStore) Release(ctx context.Context, resourceKey, holderID string, status crawler.LeaseStatus) error {
	if status == "" || status == crawler.LeaseHeld {
		status = crawler.LeaseReleased
	}
	if _, err := s.db.Exec(ctx, releaseLeaseSQL, resourceKey, holderID, status, s.clock.Now()); err != nil {
		return fmt.Errorf("release lease %s: %w", resourceKey, err)
	}
	return nil
}

// Reap flips held-but-expired leases to expired.
func (s *LeaseStore) Reap(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, reapLeasesSQL, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("reap leases: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan reaped leases: %w", err)
	}
	return keys, nil
}

// Get returns the lease record for resourceKey.
func (s *LeaseStore) Get(ctx context.Context, resourceKey string) (crawler.Lease, error) {
	var lease crawler.Lease
	err := s.db.QueryRow(ctx, getLeaseSQL, resourceKey).Scan(
		&lease.ResourceKey,
		&lease.HolderID,
		&lease.AcquiredAt,
		&lease.ExpiresAt,
		&lease.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Lease{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Lease{}, fmt.Errorf("get lease %s: %w", resourceKey, err)
	}
	return lease, nil
}
