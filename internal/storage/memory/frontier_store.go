package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

type frontierSession struct {
	seq     int64
	entries map[string]*crawler.FrontierEntry
}

func (fs *frontierSession) committed(now time.Time) int {
	n := 0
	for _, e := range fs.entries {
		if e.Status == crawler.EntryDone || e.LiveLease(now) {
			n++
		}
	}
	return n
}

// FrontierStore keeps every session's entries in memory.
type FrontierStore struct {
	mu       sync.Mutex
	sessions map[string]*frontierSession
}

// NewFrontierStore constructs an empty FrontierStore.
func NewFrontierStore() *FrontierStore {
	return &FrontierStore{sessions: make(map[string]*frontierSession)}
}

func (s *FrontierStore) session(id string) *frontierSession {
	fs, ok := s.sessions[id]
	if !ok {
		fs = &frontierSession{entries: make(map[string]*crawler.FrontierEntry)}
		s.sessions[id] = fs
	}
	return fs
}

// Insert adds entry unless it is a duplicate or the budget is committed.
func (s *FrontierStore) Insert(
	_ context.Context,
	entry crawler.FrontierEntry,
	budget int,
	now time.Time,
) (crawler.EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := s.session(entry.SessionID)
	if _, exists := fs.entries[entry.URLHash]; exists {
		return crawler.RejectedDuplicate, nil
	}
	if budget > 0 && fs.committed(now) >= budget {
		return crawler.RejectedBudgetExhausted, nil
	}
	fs.seq++
	entry.Seq = fs.seq
	entry.Status = crawler.EntryPending
	entry.LeasedBy = ""
	entry.LeaseExpiresAt = nil
	if entry.EligibleAt.IsZero() {
		entry.EligibleAt = now
	}
	fs.entries[entry.URLHash] = &entry
	return crawler.Accepted, nil
}

// Candidates returns claimable entries by priority then insertion order.
func (s *FrontierStore) Candidates(
	_ context.Context,
	sessionID string,
	now time.Time,
	limit int,
) ([]crawler.FrontierEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]crawler.FrontierEntry, 0)
	for _, e := range fs.entries {
		if e.Claimable(now) {
			out = append(out, *e)
		}
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkLeased leases a claimable entry to holderID if the budget allows it.
func (s *FrontierStore) MarkLeased(
	_ context.Context,
	sessionID, urlHash, holderID string,
	expiresAt time.Time,
	budget int,
	now time.Time,
) (crawler.FrontierEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.sessions[sessionID]
	if !ok {
		return crawler.FrontierEntry{}, crawler.ErrNotFound
	}
	e, ok := fs.entries[urlHash]
	if !ok {
		return crawler.FrontierEntry{}, crawler.ErrNotFound
	}
	if !e.Claimable(now) {
		return crawler.FrontierEntry{}, crawler.ErrNotClaimable
	}
	if budget > 0 && fs.committed(now) >= budget {
		return crawler.FrontierEntry{}, crawler.ErrBudgetExhausted
	}
	if e.Status == crawler.EntryLeased {
		e.RetryCount++
	}
	e.Status = crawler.EntryLeased
	e.LeasedBy = holderID
	expiry := expiresAt
	e.LeaseExpiresAt = &expiry
	return *e, nil
}

// ExtendLease moves the expiry of an entry still leased by holderID.
func (s *FrontierStore) ExtendLease(
	_ context.Context,
	sessionID, urlHash, holderID string,
	expiresAt, now time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.heldEntry(sessionID, urlHash, holderID, now)
	if err != nil {
		return err
	}
	expiry := expiresAt
	e.LeaseExpiresAt = &expiry
	return nil
}

// Complete applies c to an entry still leased by holderID.
func (s *FrontierStore) Complete(
	_ context.Context,
	sessionID, urlHash, holderID string,
	c crawler.Completion,
) (crawler.FrontierEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.heldEntry(sessionID, urlHash, holderID, c.At)
	if err != nil {
		return crawler.FrontierEntry{}, err
	}
	e.Status = c.Status
	e.RetryCount = c.RetryCount
	e.EligibleAt = c.EligibleAt
	e.LastError = c.LastError
	e.LeasedBy = ""
	e.LeaseExpiresAt = nil
	return *e, nil
}

func (s *FrontierStore) heldEntry(
	sessionID, urlHash, holderID string,
	now time.Time,
) (*crawler.FrontierEntry, error) {
	fs, ok := s.sessions[sessionID]
	if !ok {
		return nil, crawler.ErrLeaseNotHeld
	}
	e, ok := fs.entries[urlHash]
	if !ok || e.LeasedBy != holderID || !e.LiveLease(now) {
		return nil, crawler.ErrLeaseNotHeld
	}
	return e, nil
}

// Counts summarises the session's entries.
func (s *FrontierStore) Counts(_ context.Context, sessionID string, now time.Time) (crawler.FrontierCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts crawler.FrontierCounts
	fs, ok := s.sessions[sessionID]
	if !ok {
		return counts, nil
	}
	for _, e := range fs.entries {
		switch {
		case e.Status == crawler.EntryDone:
			counts.Done++
		case e.Status == crawler.EntryFailed:
			counts.Failed++
		case e.LiveLease(now):
			counts.Leased++
		default:
			counts.Pending++
		}
	}
	return counts, nil
}

// List returns a copy of every entry in insertion order.
func (s *FrontierStore) List(_ context.Context, sessionID string) ([]crawler.FrontierEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]crawler.FrontierEntry, 0, len(fs.entries))
	for _, e := range fs.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Restore rehydrates a session from checkpoint.
func (s *FrontierStore) Restore(
	_ context.Context,
	checkpoint crawler.Checkpoint,
	maxRetries int,
	now time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := s.session(checkpoint.SessionID)
	tombstone := func(hash string, status crawler.EntryStatus) {
		e, ok := fs.entries[hash]
		if !ok {
			fs.seq++
			e = &crawler.FrontierEntry{SessionID: checkpoint.SessionID, URLHash: hash, Seq: fs.seq}
			fs.entries[hash] = e
		}
		e.Status = status
		e.LeasedBy = ""
		e.LeaseExpiresAt = nil
	}
	for _, hash := range checkpoint.VisitedURLHashes {
		tombstone(hash, crawler.EntryDone)
	}
	for _, hash := range checkpoint.FailedURLHashes {
		tombstone(hash, crawler.EntryFailed)
	}
	for _, p := range checkpoint.Pending {
		if e, ok := fs.entries[p.URLHash]; ok {
			if e.Status == crawler.EntryDone || e.Status == crawler.EntryFailed || e.LiveLease(now) {
				continue
			}
			e.Status = crawler.EntryPending
			e.LeasedBy = ""
			e.LeaseExpiresAt = nil
			e.EligibleAt = now
			continue
		}
		fs.seq++
		fs.entries[p.URLHash] = &crawler.FrontierEntry{
			SessionID:  checkpoint.SessionID,
			URL:        p.URL,
			URLHash:    p.URLHash,
			Depth:      p.Depth,
			Priority:   p.Priority,
			Seq:        fs.seq,
			Status:     crawler.EntryPending,
			RetryCount: p.RetryCount,
			MaxRetries: maxRetries,
			EligibleAt: now,
		}
	}
	return nil
}

// Purge drops the session's entries.
func (s *FrontierStore) Purge(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func sortEntries(entries []crawler.FrontierEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].Seq < entries[j].Seq
	})
}
