package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/clock"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

var fetchedAt = time.Unix(1700000000, 0).UTC()

func record(seq int, attrs map[string]string) crawler.Record {
	return crawler.NewRecord(crawler.Key{Period: 114, Category: 1, Sequence: seq}, attrs, fetchedAt)
}

func expectUpsert(mock pgxmock.PgxPoolIface, rec crawler.Record, attrsJSON string) *pgxmock.ExpectedQuery {
	return mock.ExpectQuery("WITH prev AS").
		WithArgs(
			rec.IndexKey,
			rec.Key.Period,
			rec.Key.Category,
			rec.Key.Sequence,
			rec.Key.Revision,
			[]byte(attrsJSON),
			rec.Completeness,
			rec.FetchedAt,
		)
}

func TestRecordStoreMergeCountsOutcomes(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock, "permits", nil)
	require.NoError(t, err)

	added := record(1, map[string]string{"permitNumber": "A1"})
	updated := record(2, map[string]string{"permitNumber": "A2", "applicantName": "Wang"})
	unchanged := record(3, map[string]string{"permitNumber": "A3"})
	worse := record(4, map[string]string{"permitNumber": "A4"})
	invalid := record(5, nil)

	expectUpsert(mock, added, `{"permitNumber":"A1"}`).
		WillReturnRows(pgxmock.NewRows([]string{"inserted", "previous"}).AddRow(true, []byte(`{}`)))
	expectUpsert(mock, updated, `{"applicantName":"Wang","permitNumber":"A2"}`).
		WillReturnRows(pgxmock.NewRows([]string{"inserted", "previous"}).AddRow(false, []byte(`{"permitNumber":"A2"}`)))
	expectUpsert(mock, unchanged, `{"permitNumber":"A3"}`).
		WillReturnRows(pgxmock.NewRows([]string{"inserted", "previous"}).AddRow(false, []byte(`{"permitNumber":"A3"}`)))
	expectUpsert(mock, worse, `{"permitNumber":"A4"}`).
		WillReturnRows(pgxmock.NewRows([]string{"inserted", "previous"}))

	result, err := store.Merge(context.Background(), []crawler.Record{added, updated, unchanged, worse, invalid})
	require.NoError(t, err)
	assert.Equal(t, crawler.MergeResult{Added: 1, Updated: 1, Skipped: 3}, result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreMergeSurfacesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock, "", nil)
	require.NoError(t, err)

	rec := record(1, map[string]string{"permitNumber": "A1"})
	expectUpsert(mock, rec, `{"permitNumber":"A1"}`).WillReturnError(errors.New("connection reset"))

	_, err = store.Merge(context.Background(), []crawler.Record{rec})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreSnapshot(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store, err := NewRecordStore(mock, "permits", clock.NewStepped(now, 0))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT period, category, sequence, revision, attributes, completeness, fetched_at").
		WillReturnRows(pgxmock.NewRows([]string{"period", "category", "sequence", "revision", "attributes", "completeness", "fetched_at"}).
			AddRow(113, 1, 900, 0, []byte(`{"permitNumber":"B900"}`), 1, fetchedAt).
			AddRow(114, 1, 2, 0, []byte(`{"permitNumber":"A2"}`), 1, fetchedAt).
			AddRow(114, 1, 7, 0, []byte(`{"permitNumber":"A7"}`), 1, fetchedAt))

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.TotalCount)
	assert.Equal(t, map[int]int{113: 1, 114: 2}, snap.PeriodCounts)
	assert.Equal(t, now, snap.LastUpdate)
	require.Len(t, snap.Records, 3)
	assert.Equal(t, "11410000700", snap.Records[0].IndexKey)
	assert.Equal(t, "11410000200", snap.Records[1].IndexKey)
	assert.Equal(t, "11310090000", snap.Records[2].IndexKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock, "permits", nil)
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS permits").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRecordStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStore(nil, "permits", nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRecordStore(mock, "permits; DROP TABLE x", nil)
	require.Error(t, err)
}
