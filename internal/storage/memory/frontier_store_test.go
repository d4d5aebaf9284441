package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

func entry(session, hash string, priority int) crawler.FrontierEntry {
	return crawler.FrontierEntry{
		SessionID:  session,
		URL:        "https://example.com/" + hash,
		URLHash:    hash,
		Priority:   priority,
		MaxRetries: 2,
	}
}

func TestFrontierStore_InsertDedupes(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()

	res, err := store.Insert(ctx, entry("s", "h1", 0), 10, epoch)
	require.NoError(t, err)
	require.Equal(t, crawler.Accepted, res)

	res, err = store.Insert(ctx, entry("s", "h1", 50), 10, epoch)
	require.NoError(t, err)
	require.Equal(t, crawler.RejectedDuplicate, res)

	res, err = store.Insert(ctx, entry("other", "h1", 0), 10, epoch)
	require.NoError(t, err)
	require.Equal(t, crawler.Accepted, res, "dedupe is per session")
}

func TestFrontierStore_CandidatesOrderByPriorityThenSeq(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	for _, e := range []crawler.FrontierEntry{
		entry("s", "organic-1", crawler.PriorityOrganic),
		entry("s", "sitemap", crawler.PrioritySitemap),
		entry("s", "organic-2", crawler.PriorityOrganic),
		entry("s", "root", crawler.PriorityRoot),
	} {
		_, err := store.Insert(ctx, e, 0, epoch)
		require.NoError(t, err)
	}

	got, err := store.Candidates(ctx, "s", epoch, 0)
	require.NoError(t, err)
	hashes := make([]string, 0, len(got))
	for _, e := range got {
		hashes = append(hashes, e.URLHash)
	}
	require.Equal(t, []string{"root", "sitemap", "organic-1", "organic-2"}, hashes)
}

func TestFrontierStore_MarkLeasedEnforcesBudget(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	for _, h := range []string{"a", "b", "c"} {
		_, err := store.Insert(ctx, entry("s", h, 0), 2, epoch)
		require.NoError(t, err)
	}
	expiry := epoch.Add(time.Minute)

	_, err := store.MarkLeased(ctx, "s", "a", "w1", expiry, 2, epoch)
	require.NoError(t, err)
	_, err = store.MarkLeased(ctx, "s", "a", "w2", expiry, 2, epoch)
	require.ErrorIs(t, err, crawler.ErrNotClaimable)

	_, err = store.MarkLeased(ctx, "s", "b", "w2", expiry, 2, epoch)
	require.NoError(t, err)
	_, err = store.MarkLeased(ctx, "s", "c", "w3", expiry, 2, epoch)
	require.ErrorIs(t, err, crawler.ErrBudgetExhausted)

	res, err := store.Insert(ctx, entry("s", "d", 0), 2, epoch)
	require.NoError(t, err)
	require.Equal(t, crawler.RejectedBudgetExhausted, res)
}

func TestFrontierStore_ExpiredLeaseIsReclaimedWithRetry(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	_, err := store.Insert(ctx, entry("s", "a", 0), 0, epoch)
	require.NoError(t, err)

	_, err = store.MarkLeased(ctx, "s", "a", "dead", epoch.Add(time.Second), 0, epoch)
	require.NoError(t, err)

	counts, err := store.Counts(ctx, "s", epoch)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Leased)

	later := epoch.Add(2 * time.Second)
	counts, err = store.Counts(ctx, "s", later)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Pending, "expired lease counts as pending")

	got, err := store.MarkLeased(ctx, "s", "a", "alive", later.Add(time.Minute), 0, later)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "alive", got.LeasedBy)

	_, err = store.Complete(ctx, "s", "a", "dead", crawler.Completion{At: later, Status: crawler.EntryDone})
	require.ErrorIs(t, err, crawler.ErrLeaseNotHeld)
	require.ErrorIs(t, store.ExtendLease(ctx, "s", "a", "dead", later.Add(time.Minute), later), crawler.ErrLeaseNotHeld)
	require.NoError(t, store.ExtendLease(ctx, "s", "a", "alive", later.Add(2*time.Minute), later))

	done, err := store.Complete(ctx, "s", "a", "alive", crawler.Completion{At: later, Status: crawler.EntryDone, RetryCount: 1})
	require.NoError(t, err)
	require.Equal(t, crawler.EntryDone, done.Status)
	require.Nil(t, done.LeaseExpiresAt)
}

func TestFrontierStore_RetryBackoffHidesEntry(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	_, err := store.Insert(ctx, entry("s", "a", 0), 0, epoch)
	require.NoError(t, err)
	_, err = store.MarkLeased(ctx, "s", "a", "w", epoch.Add(time.Minute), 0, epoch)
	require.NoError(t, err)
	_, err = store.Complete(ctx, "s", "a", "w", crawler.Completion{
		At:         epoch,
		Status:     crawler.EntryPending,
		RetryCount: 1,
		EligibleAt: epoch.Add(10 * time.Second),
	})
	require.NoError(t, err)

	got, err := store.Candidates(ctx, "s", epoch.Add(5*time.Second), 10)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = store.Candidates(ctx, "s", epoch.Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestFrontierStore_RestoreIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	ctx := context.Background()
	cp := crawler.Checkpoint{
		SessionID:        "s",
		VisitedURLHashes: []string{"v1", "v2"},
		FailedURLHashes:  []string{"f1"},
		PendingURLHashes: []string{"p1"},
		Pending:          []crawler.PendingEntry{{URL: "https://example.com/p1", URLHash: "p1", Depth: 1}},
	}
	require.NoError(t, store.Restore(ctx, cp, 3, epoch))
	require.NoError(t, store.Restore(ctx, cp, 3, epoch))

	counts, err := store.Counts(ctx, "s", epoch)
	require.NoError(t, err)
	require.Equal(t, crawler.FrontierCounts{Pending: 1, Done: 2, Failed: 1}, counts)

	res, err := store.Insert(ctx, entry("s", "v1", 0), 0, epoch)
	require.NoError(t, err)
	require.Equal(t, crawler.RejectedDuplicate, res, "visited pages are never re-enqueued")

	require.NoError(t, store.Purge(ctx, "s"))
	list, err := store.List(ctx, "s")
	require.NoError(t, err)
	require.Empty(t, list)
}
