package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteaudit-crawler/internal/clock/manual"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/frontier"
	"github.com/JakeFAU/siteaudit-crawler/internal/storage/memory"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestSweepReapsAndPurges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := manual.New(epoch)
	leases := memory.NewLeaseStore(clock)
	store := memory.NewFrontierStore()
	front := frontier.New(store, leases, clock, frontier.Config{LeaseTTL: 10 * time.Second}, nil)
	sessions := memory.NewSessionStore()

	for _, id := range []string{"done", "live"} {
		s := crawler.Session{ID: id, Status: crawler.SessionRunning, Config: crawler.SessionConfig{
			TargetURL: "https://example.com/", MaxDepth: 1, PageBudget: 10,
		}}
		require.NoError(t, sessions.Create(ctx, s))
		target, err := frontier.NewTarget(s)
		require.NoError(t, err)
		_, err = front.Enqueue(ctx, target, "https://example.com/", 0, crawler.PriorityRoot)
		require.NoError(t, err)
		_, err = front.DequeueNext(ctx, target, "crashed-worker")
		require.NoError(t, err)
	}
	_, err := sessions.Transition(ctx, "done", []crawler.SessionStatus{crawler.SessionRunning}, crawler.SessionCompleted, epoch)
	require.NoError(t, err)

	a := New(leases, sessions, front, clock, "proc-a", Config{Interval: time.Minute, Retention: 5 * time.Second}, nil)
	b := New(leases, sessions, front, clock, "proc-b", Config{Interval: time.Minute, Retention: 5 * time.Second}, nil)

	res, err := a.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Expired, "leases still live")
	require.Empty(t, res.Purged, "inside retention")

	clock.Advance(time.Minute)
	res, err = b.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, res.Expired, 2)
	for _, key := range res.Expired {
		require.Contains(t, key, frontier.LeaseKeyPrefix)
	}
	require.Equal(t, []string{"done"}, res.Purged)

	entries, err := store.List(ctx, "done")
	require.NoError(t, err)
	require.Empty(t, entries)
	entries, err = store.List(ctx, "live")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	res, err = a.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res, "proc-b holds the guard for this interval")
}

func TestKinds(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"frontier", "api"}, kinds([]string{"frontier:s1:a", "api:billing:acct", "frontier:s2:b"}))
}
