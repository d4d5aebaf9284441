// Package memory holds single-process implementations of the crawl stores.
// A mutex provides the atomicity the durable backends get from conditional statements.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/system"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// LeaseStore keeps leases in a map guarded by a mutex.
type LeaseStore struct {
	mu     sync.Mutex
	clock  crawler.Clock
	leases map[string]crawler.Lease
}

// NewLeaseStore constructs a LeaseStore. A nil clock uses the system clock.
func NewLeaseStore(clock crawler.Clock) *LeaseStore {
	if clock == nil {
		clock = system.New()
	}
	return &LeaseStore{clock: clock, leases: make(map[string]crawler.Lease)}
}

// TryAcquire claims resourceKey when it is free or already held by holderID.
func (s *LeaseStore) TryAcquire(
	_ context.Context,
	resourceKey, holderID string,
	ttl time.Duration,
) (crawler.Lease, error) {
	if ttl <= 0 {
		return crawler.Lease{}, fmt.Errorf("acquire %s: ttl must be positive", resourceKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if current, ok := s.leases[resourceKey]; ok && !current.Free(now) && current.HolderID != holderID {
		return crawler.Lease{}, crawler.ErrLeaseDenied
	}
	lease := crawler.Lease{
		ResourceKey: resourceKey,
		HolderID:    holderID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
		Status:      crawler.LeaseHeld,
	}
	s.leases[resourceKey] = lease
	return lease, nil
}

// Renew extends an unexpired lease held by holderID.
func (s *LeaseStore) Renew(_ context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	current, ok := s.leases[resourceKey]
	if !ok || current.HolderID != holderID || current.Free(now) {
		return false, nil
	}
	current.ExpiresAt = now.Add(ttl)
	s.leases[resourceKey] = current
	return true, nil
}

// Release ends a lease held by holderID.
func (s *LeaseStore) Release(_ context.Context, resourceKey, holderID string, status crawler.LeaseStatus) error {
	if status == "" || status == crawler.LeaseHeld {
		status = crawler.LeaseReleased
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[resourceKey]
	if !ok || current.HolderID != holderID || current.Status != crawler.LeaseHeld {
		return nil
	}
	current.Status = status
	current.ExpiresAt = s.clock.Now()
	s.leases[resourceKey] = current
	return nil
}

// Reap flips held-but-expired leases to expired.
func (s *LeaseStore) Reap(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var reaped []string
	for key, lease := range s.leases {
		if lease.Status == crawler.LeaseHeld && !lease.ExpiresAt.After(now) {
			lease.Status = crawler.LeaseExpired
			s.leases[key] = lease
			reaped = append(reaped, key)
		}
	}
	sort.Strings(reaped)
	return reaped, nil
}

// Get returns the lease record for resourceKey.
func (s *LeaseStore) Get(_ context.Context, resourceKey string) (crawler.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[resourceKey]
	if !ok {
		return crawler.Lease{}, crawler.ErrNotFound
	}
	return lease, nil
}
