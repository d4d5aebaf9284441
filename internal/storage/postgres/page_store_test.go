package postgres

import (
	"context"
	"net/http"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

func TestPageStore_UpsertInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStore(mock)
	require.NoError(t, err)

	rec := crawler.PageRecord{
		SessionID:      "s1",
		URL:            "https://example.com",
		URLHash:        "abc123",
		StatusCode:     200,
		Headers:        http.Header{"Content-Type": {"text/html"}},
		BodyRef:        "gs://bucket/s1/abc123.html",
		ContentHash:    "deadbeef",
		ExtractedLinks: []string{"https://example.com/a"},
		LoadTimeMs:     120,
		FetchedAt:      epoch,
	}

	mock.ExpectQuery("INSERT INTO crawled_pages").
		WithArgs(
			rec.SessionID,
			rec.URLHash,
			rec.URL,
			rec.Depth,
			rec.StatusCode,
			[]byte(`{"Content-Type":["text/html"]}`),
			rec.BodyRef,
			rec.ContentHash,
			[]byte(`["https://example.com/a"]`),
			rec.LoadTimeMs,
			rec.FetchedAt,
		).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))

	created, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPageStore_UpsertRequiresKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewPageStore(mock)
	require.NoError(t, err)

	_, err = store.Upsert(context.Background(), crawler.PageRecord{SessionID: "s1"})
	require.Error(t, err)
}

func TestPageStore_List(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewPageStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM crawled_pages").WithArgs("s1", 100, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"session_id", "url_hash", "url", "depth", "status_code", "headers", "body_ref",
			"content_hash", "extracted_links", "load_time_ms", "fetched_at",
		}).AddRow("s1", "h", "https://example.com", 0, 200, []byte(`{}`), "", "", []byte(`[]`), int64(5), epoch))

	pages, err := store.List(context.Background(), "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, int64(5), pages[0].LoadTimeMs)
	require.NoError(t, mock.ExpectationsWereMet())
}
