package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

func TestCheckpointStore_SaveWritesPayload(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	cp := crawler.Checkpoint{
		SessionID:        "s1",
		VisitedURLHashes: []string{"a"},
		Stats:            crawler.CheckpointStats{PagesCrawled: 1},
		TakenAt:          epoch,
	}
	payload, err := json.Marshal(cp)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs("s1", epoch, payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), cp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStore_LatestDecodesPayload(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	want := crawler.Checkpoint{
		SessionID:        "s1",
		PendingURLHashes: []string{"b"},
		Pending:          []crawler.PendingEntry{{URL: "https://example.com/b"}},
		TakenAt:          epoch,
	}
	payload, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM checkpoints").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

	got, err := store.Latest(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, want.SessionID, got.SessionID)
	require.Equal(t, want.PendingURLHashes, got.PendingURLHashes)
	require.Equal(t, "https://example.com/b", got.Pending[0].URL)
	require.True(t, want.TakenAt.Equal(got.TakenAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStore_LatestMissing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM checkpoints").
		WithArgs("s1").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.Latest(context.Background(), "s1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStore_PruneClampsKeep(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs("s1", 0).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs("s1", 2).
		WillReturnError(errors.New("boom"))

	require.NoError(t, store.Prune(context.Background(), "s1", -1))
	err = store.Prune(context.Background(), "s1", 2)
	require.ErrorContains(t, err, "prune checkpoints")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewCheckpointStoreRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewCheckpointStore(nil)
	require.Error(t, err)
}
