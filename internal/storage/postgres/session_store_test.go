package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

var sessionColumnNames = []string{
	"id", "status", "config", "pages_crawled", "pages_discovered", "pages_failed",
	"consecutive_failures", "created_at", "started_at", "paused_at", "completed_at",
}

func newSessionStore(t *testing.T) (*SessionStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewSessionStore(mock)
	require.NoError(t, err)
	return store, mock
}

func TestSessionStore_Create(t *testing.T) {
	t.Parallel()

	store, mock := newSessionStore(t)
	session := crawler.Session{
		ID:        "s1",
		Status:    crawler.SessionPending,
		Config:    crawler.SessionConfig{TargetURL: "https://example.com", MaxDepth: 2, PageBudget: 10},
		CreatedAt: epoch,
	}
	mock.ExpectExec("INSERT INTO crawl_sessions").
		WithArgs("s1", crawler.SessionPending, pgxmock.AnyArg(), epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), session))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_GetLoadsErrorLog(t *testing.T) {
	t.Parallel()

	store, mock := newSessionStore(t)
	mock.ExpectQuery("FROM crawl_sessions WHERE id").WithArgs("s1").
		WillReturnRows(pgxmock.NewRows(sessionColumnNames).AddRow(
			"s1", crawler.SessionRunning, []byte(`{"target_url":"https://example.com","page_budget":5}`),
			2, 6, 1, 1, epoch, &epoch, nil, nil,
		))
	mock.ExpectQuery("FROM crawl_session_errors").WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"url", "class", "message", "at"}).
			AddRow("https://example.com/x", crawler.ClassPermanent, "http status 404", epoch))

	session, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 5, session.Config.PageBudget)
	require.Equal(t, 2, session.PagesCrawled)
	require.Len(t, session.ErrorLog, 1)
	require.Equal(t, crawler.ClassPermanent, session.ErrorLog[0].Class)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_GetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newSessionStore(t)
	mock.ExpectQuery("FROM crawl_sessions WHERE id").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestSessionStore_TransitionRejected(t *testing.T) {
	t.Parallel()

	store, mock := newSessionStore(t)
	at := epoch.Add(time.Minute)
	mock.ExpectQuery("UPDATE crawl_sessions").
		WithArgs("s1", crawler.SessionRunning, []string{"paused"}, at).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM crawl_sessions WHERE id").WithArgs("s1").
		WillReturnRows(pgxmock.NewRows(sessionColumnNames).AddRow(
			"s1", crawler.SessionCompleted, []byte(`{}`), 3, 3, 0, 0, epoch, &epoch, nil, &at,
		))
	mock.ExpectQuery("FROM crawl_session_errors").WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"url", "class", "message", "at"}))

	session, err := store.Transition(context.Background(), "s1",
		[]crawler.SessionStatus{crawler.SessionPaused}, crawler.SessionRunning, at)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.Equal(t, crawler.SessionCompleted, session.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_AddCounters(t *testing.T) {
	t.Parallel()

	store, mock := newSessionStore(t)
	mock.ExpectQuery("UPDATE crawl_sessions").
		WithArgs("s1", 1, 3, 0, true, false).
		WillReturnRows(pgxmock.NewRows(sessionColumnNames).AddRow(
			"s1", crawler.SessionRunning, []byte(`{}`), 4, 9, 0, 0, epoch, &epoch, nil, nil,
		))

	session, err := store.AddCounters(context.Background(), "s1", crawler.CounterDelta{Crawled: 1, Discovered: 3, Success: true})
	require.NoError(t, err)
	require.Equal(t, 4, session.PagesCrawled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_RaiseCountersUsesGreatest(t *testing.T) {
	t.Parallel()

	store, mock := newSessionStore(t)
	mock.ExpectExec(`SET pages_crawled = GREATEST\(pages_crawled, \$2\)`).
		WithArgs("s1", 5, 8, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_sessions").
		WithArgs("missing", 0, 0, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	stats := crawler.CheckpointStats{PagesCrawled: 5, PagesDiscovered: 8, PagesFailed: 1}
	require.NoError(t, store.RaiseCounters(context.Background(), "s1", stats))
	err := store.RaiseCounters(context.Background(), "missing", crawler.CheckpointStats{})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_AppendError(t *testing.T) {
	t.Parallel()

	store, mock := newSessionStore(t)
	rec := crawler.ErrorRecord{URL: "u", Class: crawler.ClassTransient, Message: "timeout", At: epoch}
	mock.ExpectExec("INSERT INTO crawl_session_errors").
		WithArgs("s1", "u", crawler.ClassTransient, "timeout", epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendError(context.Background(), "s1", rec))
	require.NoError(t, mock.ExpectationsWereMet())
}
