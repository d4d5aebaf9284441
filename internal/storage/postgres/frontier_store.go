package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

const defaultCandidateLimit = 32

const entryColumns = `session_id, url_hash, url, depth, priority, seq, status, retry_count,
max_retries, leased_by, lease_expires_at, eligible_at, last_error`

const entryExistsSQL = `SELECT EXISTS (SELECT 1 FROM frontier_entries WHERE session_id = $1 AND url_hash = $2)`

// committedSQL counts done entries plus live leases, the quantity the page budget bounds.
const committedSQL = `
SELECT count(*) FROM frontier_entries
WHERE session_id = $1 AND (status = 'done' OR (status = 'leased' AND lease_expires_at > $2))`

const insertEntrySQL = `
INSERT INTO frontier_entries (session_id, url_hash, url, depth, priority, status, retry_count, max_retries, eligible_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7)`

const candidatesSQL = `
SELECT ` + entryColumns + `
FROM frontier_entries
WHERE session_id = $1
  AND ((status = 'pending' AND eligible_at <= $2) OR (status = 'leased' AND lease_expires_at <= $2))
ORDER BY priority DESC, seq ASC
LIMIT $3`

const markLeasedSQL = `
UPDATE frontier_entries
SET retry_count = retry_count + CASE WHEN status = 'leased' THEN 1 ELSE 0 END,
    status = 'leased',
    leased_by = $3,
    lease_expires_at = $4
WHERE session_id = $1 AND url_hash = $2
  AND ((status = 'pending' AND eligible_at <= $5) OR (status = 'leased' AND lease_expires_at <= $5))
RETURNING ` + entryColumns

const extendEntryLeaseSQL = `
UPDATE frontier_entries SET lease_expires_at = $4
WHERE session_id = $1 AND url_hash = $2 AND status = 'leased' AND leased_by = $3 AND lease_expires_at > $5`

const completeEntrySQL = `
UPDATE frontier_entries
SET status = $4, retry_count = $5, eligible_at = $6, last_error = $7, leased_by = '', lease_expires_at = NULL
WHERE session_id = $1 AND url_hash = $2 AND status = 'leased' AND leased_by = $3 AND lease_expires_at > $8
RETURNING ` + entryColumns

const countsSQL = `
SELECT
  count(*) FILTER (WHERE status = 'pending' OR (status = 'leased' AND lease_expires_at <= $2)),
  count(*) FILTER (WHERE status = 'leased' AND lease_expires_at > $2),
  count(*) FILTER (WHERE status = 'done'),
  count(*) FILTER (WHERE status = 'failed')
FROM frontier_entries WHERE session_id = $1`

const listEntriesSQL = `SELECT ` + entryColumns + ` FROM frontier_entries WHERE session_id = $1 ORDER BY seq`

const restoreTombstonesSQL = `
INSERT INTO frontier_entries (session_id, url_hash, status, eligible_at)
SELECT $1, h, $2, $3 FROM unnest($4::text[]) AS h
ON CONFLICT (session_id, url_hash) DO UPDATE
SET status = EXCLUDED.status, leased_by = '', lease_expires_at = NULL`

const restorePendingSQL = `
INSERT INTO frontier_entries (session_id, url_hash, url, depth, priority, retry_count, max_retries, status, eligible_at)
SELECT $1, p.hash, p.url, p.depth, p.priority, p.retry, $2, 'pending', $3
FROM unnest($4::text[], $5::text[], $6::int[], $7::int[], $8::int[]) AS p(hash, url, depth, priority, retry)
ON CONFLICT (session_id, url_hash) DO UPDATE
SET status = 'pending', leased_by = '', lease_expires_at = NULL, eligible_at = EXCLUDED.eligible_at
WHERE frontier_entries.status NOT IN ('done', 'failed')
  AND NOT (frontier_entries.status = 'leased' AND frontier_entries.lease_expires_at > $3)`

const purgeEntriesSQL = `DELETE FROM frontier_entries WHERE session_id = $1`

// FrontierStore implements crawler.FrontierStore on the frontier_entries table.
type FrontierStore struct {
	db DB
}

// NewFrontierStore builds a FrontierStore.
func NewFrontierStore(db DB) (*FrontierStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &FrontierStore{db: db}, nil
}

// Insert adds entry unless it is a duplicate or the budget is committed.
func (s *FrontierStore) Insert(
	ctx context.Context,
	entry crawler.FrontierEntry,
	budget int,
	now time.Time,
) (crawler.EnqueueResult, error) {
	if entry.EligibleAt.IsZero() {
		entry.EligibleAt = now
	}
	result := crawler.Accepted
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockSession(ctx, tx, entry.SessionID); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx, entryExistsSQL, entry.SessionID, entry.URLHash).Scan(&exists); err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if exists {
			result = crawler.RejectedDuplicate
			return nil
		}
		if budget > 0 {
			committed, err := committedCount(ctx, tx, entry.SessionID, now)
			if err != nil {
				return err
			}
			if committed >= budget {
				result = crawler.RejectedBudgetExhausted
				return nil
			}
		}
		_, err := tx.Exec(ctx, insertEntrySQL,
			entry.SessionID,
			entry.URLHash,
			entry.URL,
			entry.Depth,
			entry.Priority,
			entry.MaxRetries,
			entry.EligibleAt,
		)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("insert frontier entry: %w", err)
	}
	return result, nil
}

// Candidates returns claimable entries by priority then insertion order.
func (s *FrontierStore) Candidates(
	ctx context.Context,
	sessionID string,
	now time.Time,
	limit int,
) ([]crawler.FrontierEntry, error) {
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	rows, err := s.db.Query(ctx, candidatesSQL, sessionID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	return collectEntries(rows)
}

// MarkLeased leases a claimable entry under the session lock so the budget is exact.
func (s *FrontierStore) MarkLeased(
	ctx context.Context,
	sessionID, urlHash, holderID string,
	expiresAt time.Time,
	budget int,
	now time.Time,
) (crawler.FrontierEntry, error) {
	var leased crawler.FrontierEntry
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockSession(ctx, tx, sessionID); err != nil {
			return err
		}
		if budget > 0 {
			committed, err := committedCount(ctx, tx, sessionID, now)
			if err != nil {
				return err
			}
			if committed >= budget {
				return crawler.ErrBudgetExhausted
			}
		}
		entry, err := scanEntry(tx.QueryRow(ctx, markLeasedSQL, sessionID, urlHash, holderID, expiresAt, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ErrNotClaimable
		}
		if err != nil {
			return fmt.Errorf("lease entry: %w", err)
		}
		leased = entry
		return nil
	})
	if err != nil {
		return crawler.FrontierEntry{}, err
	}
	return leased, nil
}

// ExtendLease moves the expiry of an entry still leased by holderID.
func (s *FrontierStore) ExtendLease(
	ctx context.Context,
	sessionID, urlHash, holderID string,
	expiresAt, now time.Time,
) error {
	tag, err := s.db.Exec(ctx, extendEntryLeaseSQL, sessionID, urlHash, holderID, expiresAt, now)
	if err != nil {
		return fmt.Errorf("extend entry lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrLeaseNotHeld
	}
	return nil
}

// Complete applies c to an entry still leased by holderID.
func (s *FrontierStore) Complete(
	ctx context.Context,
	sessionID, urlHash, holderID string,
	c crawler.Completion,
) (crawler.FrontierEntry, error) {
	entry, err := scanEntry(s.db.QueryRow(ctx, completeEntrySQL,
		sessionID,
		urlHash,
		holderID,
		c.Status,
		c.RetryCount,
		c.EligibleAt,
		c.LastError,
		c.At,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.FrontierEntry{}, crawler.ErrLeaseNotHeld
	}
	if err != nil {
		return crawler.FrontierEntry{}, fmt.Errorf("complete entry: %w", err)
	}
	return entry, nil
}

// Counts summarises the session's entries.
func (s *FrontierStore) Counts(ctx context.Context, sessionID string, now time.Time) (crawler.FrontierCounts, error) {
	var c crawler.FrontierCounts
	if err := s.db.QueryRow(ctx, countsSQL, sessionID, now).Scan(&c.Pending, &c.Leased, &c.Done, &c.Failed); err != nil {
		return crawler.FrontierCounts{}, fmt.Errorf("count entries: %w", err)
	}
	return c, nil
}

// List returns every entry of the session in insertion order.
func (s *FrontierStore) List(ctx context.Context, sessionID string) ([]crawler.FrontierEntry, error) {
	rows, err := s.db.Query(ctx, listEntriesSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return collectEntries(rows)
}

// Restore rehydrates a session from checkpoint in one transaction.
func (s *FrontierStore) Restore(
	ctx context.Context,
	checkpoint crawler.Checkpoint,
	maxRetries int,
	now time.Time,
) error {
	hashes := make([]string, 0, len(checkpoint.Pending))
	urls := make([]string, 0, len(checkpoint.Pending))
	depths := make([]int, 0, len(checkpoint.Pending))
	priorities := make([]int, 0, len(checkpoint.Pending))
	retries := make([]int, 0, len(checkpoint.Pending))
	for _, p := range checkpoint.Pending {
		hashes = append(hashes, p.URLHash)
		urls = append(urls, p.URL)
		depths = append(depths, p.Depth)
		priorities = append(priorities, p.Priority)
		retries = append(retries, p.RetryCount)
	}
	id := checkpoint.SessionID
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockSession(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, restoreTombstonesSQL, id, crawler.EntryDone, now, checkpoint.VisitedURLHashes); err != nil {
			return fmt.Errorf("restore visited: %w", err)
		}
		if _, err := tx.Exec(ctx, restoreTombstonesSQL, id, crawler.EntryFailed, now, checkpoint.FailedURLHashes); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		if _, err := tx.Exec(ctx, restorePendingSQL, id, maxRetries, now,
			hashes,
			urls,
			depths,
			priorities,
			retries,
		); err != nil {
			return fmt.Errorf("restore pending: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore frontier %s: %w", id, err)
	}
	return nil
}

// Purge drops the session's entries.
func (s *FrontierStore) Purge(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, purgeEntriesSQL, sessionID); err != nil {
		return fmt.Errorf("purge frontier %s: %w", sessionID, err)
	}
	return nil
}

func committedCount(ctx context.Context, tx pgx.Tx, sessionID string, now time.Time) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, committedSQL, sessionID, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count committed: %w", err)
	}
	return n, nil
}

func scanEntry(row pgx.Row) (crawler.FrontierEntry, error) {
	var e crawler.FrontierEntry
	err := row.Scan(
		&e.SessionID,
		&e.URLHash,
		&e.URL,
		&e.Depth,
		&e.Priority,
		&e.Seq,
		&e.Status,
		&e.RetryCount,
		&e.MaxRetries,
		&e.LeasedBy,
		&e.LeaseExpiresAt,
		&e.EligibleAt,
		&e.LastError,
	)
	return e, err
}

func collectEntries(rows pgx.Rows) ([]crawler.FrontierEntry, error) {
	defer rows.Close()
	var out []crawler.FrontierEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}
