package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgx-cds-server/internal/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func snapshotColumns() []string {
	return []string{"id", "label", "knowledge_base_version", "medications",
		"high_risk_count", "polypharmacy_count", "payload", "created_at", "updated_at"}
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	assert.Error(t, err)
}

func TestPostgresStore_Save(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO assessment_snapshots")).
		WithArgs("11111111-1111-4111-8111-111111111111", "review", "2025.06-bh", "risperidone,paroxetine", 1, 1,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	snap := FromAssessment(testAssessment("11111111-1111-4111-8111-111111111111"), "review")
	require.NoError(t, store.Save(context.Background(), snap))
	assert.Equal(t, created, snap.CreatedAt)
	assert.False(t, snap.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO assessment_snapshots")).
		WillReturnError(errors.New("connection reset"))

	err := store.Save(context.Background(), FromAssessment(testAssessment("11111111-1111-4111-8111-111111111111"), ""))
	assert.ErrorContains(t, err, "failed to save snapshot")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM assessment_snapshots WHERE id = $1")).
		WithArgs("11111111-1111-4111-8111-111111111111").
		WillReturnRows(sqlmock.NewRows(snapshotColumns()).AddRow(
			"11111111-1111-4111-8111-111111111111", "review", "2025.06-bh", "risperidone,paroxetine", 1, 0,
			[]byte(`{"id":"11111111-1111-4111-8111-111111111111","knowledge_base_version":"2025.06-bh","genes":[],"medications":["risperidone","paroxetine"],"results":[],"summary":{"high_risk_count":1,"polypharmacy_count":0,"converted_genes":0,"marker_count":0},"created_at":"2025-06-01T12:00:00Z"}`),
			now, now))

	snap, err := store.Get(context.Background(), "11111111-1111-4111-8111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "review", snap.Label)
	assert.Equal(t, []string{"risperidone", "paroxetine"}, snap.Medications)
	require.NotNil(t, snap.Assessment)
	assert.Equal(t, 1, snap.Assessment.Summary.HighRiskCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresStore_ListCountDelete(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id LIMIT $1 OFFSET $2")).
		WithArgs(DefaultListLimit, 0).
		WillReturnRows(sqlmock.NewRows(snapshotColumns()).
			AddRow("22222222-2222-4222-8222-222222222222", "", "v1", "", 0, 0, []byte(`{"id":"22222222-2222-4222-8222-222222222222"}`), now, now).
			AddRow("11111111-1111-4111-8111-111111111111", "", "v1", "sertraline", 0, 0, []byte(`{"id":"11111111-1111-4111-8111-111111111111"}`), now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM assessment_snapshots")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assessment_snapshots WHERE id = $1")).
		WithArgs("11111111-1111-4111-8111-111111111111").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assessment_snapshots WHERE id = $1")).
		WithArgs("11111111-1111-4111-8111-111111111111").
		WillReturnResult(sqlmock.NewResult(0, 0))

	list, err := store.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "22222222-2222-4222-8222-222222222222", list[0].ID)
	assert.Empty(t, list[0].Medications)
	assert.Equal(t, []string{"sertraline"}, list[1].Medications)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, store.Delete(ctx, "11111111-1111-4111-8111-111111111111"))
	assert.ErrorIs(t, store.Delete(ctx, "11111111-1111-4111-8111-111111111111"), domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CorruptPayload(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(snapshotColumns()).
			AddRow("11111111-1111-4111-8111-111111111111", "", "v1", "", 0, 0, []byte(`{`), now, now))

	_, err := store.Get(context.Background(), "11111111-1111-4111-8111-111111111111")
	assert.ErrorContains(t, err, "decoding assessment")
}
