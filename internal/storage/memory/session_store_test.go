package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

func TestSessionStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	session := crawler.Session{ID: "s1", Status: crawler.SessionPending, CreatedAt: epoch}

	require.NoError(t, store.Create(ctx, session))
	require.Error(t, store.Create(ctx, session))

	running, err := store.Transition(ctx, "s1", []crawler.SessionStatus{crawler.SessionPending}, crawler.SessionRunning, epoch)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)

	_, err = store.Transition(ctx, "s1", []crawler.SessionStatus{crawler.SessionPending}, crawler.SessionRunning, epoch)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	paused, err := store.Transition(ctx, "s1", []crawler.SessionStatus{crawler.SessionRunning}, crawler.SessionPaused, epoch.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, paused.PausedAt)

	updated, err := store.AddCounters(ctx, "s1", crawler.CounterDelta{Failed: 1, Failure: true})
	require.NoError(t, err)
	require.Equal(t, 1, updated.ConsecutiveFailures)
	updated, err = store.AddCounters(ctx, "s1", crawler.CounterDelta{Crawled: 1, Discovered: 4, Success: true})
	require.NoError(t, err)
	require.Equal(t, 0, updated.ConsecutiveFailures)
	require.Equal(t, 1, updated.PagesCrawled)
	require.Equal(t, 4, updated.PagesDiscovered)

	require.NoError(t, store.AppendError(ctx, "s1", crawler.ErrorRecord{URL: "u", Class: crawler.ClassPermanent}))
	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.ErrorLog, 1)
	got.ErrorLog[0].URL = "mutated"
	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "u", again.ErrorLog[0].URL, "Get returns a copy")

	require.NoError(t, store.RaiseCounters(ctx, "s1", crawler.CheckpointStats{PagesCrawled: 7, PagesDiscovered: 2}))
	list, err := store.ListByStatus(ctx, crawler.SessionPaused)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 7, list[0].PagesCrawled)
	require.Equal(t, 4, list[0].PagesDiscovered, "raise never lowers a counter")
	require.Equal(t, 1, list[0].PagesFailed)
	require.ErrorIs(t, store.RaiseCounters(ctx, "missing", crawler.CheckpointStats{}), crawler.ErrNotFound)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
