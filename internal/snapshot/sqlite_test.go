package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgx-cds-server/internal/domain"
)

func testAssessment(id string) *domain.Assessment {
	return &domain.Assessment{
		ID:                   id,
		KnowledgeBaseVersion: "2025.06-bh",
		Genes: []domain.GeneState{
			{Gene: "CYP2D6", Kind: domain.METABOLIZER_GENE, Reported: domain.NORMAL_METABOLIZER, Effective: domain.POOR_METABOLIZER, Shift: -2, Known: true},
		},
		Medications: []string{"risperidone", "paroxetine"},
		Results: []domain.RiskResult{
			{Medication: "risperidone", DisplayName: "risperidone (Risperdal)", Category: domain.HIGH_RISK, Gene: "CYP2D6"},
			{Medication: "paroxetine", DisplayName: "paroxetine (Paxil)", Category: domain.MODERATE_RISK, Gene: "CYP2D6"},
		},
		Summary:   domain.AssessmentSummary{HighRiskCount: 1, PolypharmacyCount: 1, ConvertedGenes: 1, MarkerCount: 1},
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "snapshot-test-*")
	require.NoError(t, err)
	t.Cleanup(func() {
		os.RemoveAll(tmpDir)
	})

	store, err := NewSQLiteStore(filepath.Join(tmpDir, "nested", "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	store := createTestStore(t)

	_, err := os.Stat(store.Path())
	assert.NoError(t, err, "database file should exist")
	assert.NoError(t, store.Ping(context.Background()))
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	snap := FromAssessment(testAssessment("11111111-1111-4111-8111-111111111111"), "  admission review ")
	require.NoError(t, store.Save(ctx, snap))
	assert.False(t, snap.CreatedAt.IsZero())
	assert.False(t, snap.UpdatedAt.IsZero())

	got, err := store.Get(ctx, "11111111-1111-4111-8111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "admission review", got.Label)
	assert.Equal(t, "2025.06-bh", got.KnowledgeBaseVersion)
	assert.Equal(t, []string{"risperidone", "paroxetine"}, got.Medications)
	assert.Equal(t, 1, got.HighRiskCount)
	assert.Equal(t, 1, got.PolypharmacyCount)
	require.NotNil(t, got.Assessment)
	assert.Equal(t, domain.POOR_METABOLIZER, got.Assessment.Genes[0].Effective)
	assert.Equal(t, domain.HIGH_RISK, got.Assessment.Results[0].Category)
}

func TestSQLiteStore_SaveUpdatesExisting(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	first := FromAssessment(testAssessment("11111111-1111-4111-8111-111111111111"), "first")
	require.NoError(t, store.Save(ctx, first))
	createdAt := first.CreatedAt

	second := FromAssessment(testAssessment("11111111-1111-4111-8111-111111111111"), "second")
	second.Assessment.Summary.HighRiskCount = 2
	second.HighRiskCount = 2
	require.NoError(t, store.Save(ctx, second))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := store.Get(ctx, "11111111-1111-4111-8111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Label)
	assert.Equal(t, 2, got.HighRiskCount)
	assert.True(t, got.CreatedAt.Equal(createdAt))
}

func TestSQLiteStore_SaveValidation(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	var vErr *domain.ValidationError
	assert.ErrorAs(t, store.Save(ctx, &Snapshot{ID: "x"}), &vErr)
	assert.ErrorAs(t, store.Save(ctx, FromAssessment(testAssessment(" "), "")), &vErr)

	for _, id := range []string{"../../x", "a-1", "11111111-1111-4111-8111-111111111111/../x"} {
		assert.ErrorAs(t, store.Save(ctx, FromAssessment(testAssessment(id), "")), &vErr, id)
	}
}

func TestSQLiteStore_ImportRejectsPathIDs(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	export := `{"version":"1.0","count":1,"snapshots":[{"id":"../../x","assessment":{"id":"../../x"}}]}`
	imported, _, err := store.ImportJSON(ctx, strings.NewReader(export))
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
	assert.Zero(t, imported)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	store := createTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStore_ListAndDelete(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"11111111-1111-4111-8111-111111111111", "22222222-2222-4222-8222-222222222222", "33333333-3333-4333-8333-333333333333"} {
		snap := FromAssessment(testAssessment(id), "")
		snap.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Save(ctx, snap))
	}

	all, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "33333333-3333-4333-8333-333333333333", all[0].ID)
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", all[2].ID)

	page, err := store.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "22222222-2222-4222-8222-222222222222", page[0].ID)

	require.NoError(t, store.Delete(ctx, "22222222-2222-4222-8222-222222222222"))
	assert.ErrorIs(t, store.Delete(ctx, "22222222-2222-4222-8222-222222222222"), domain.ErrNotFound)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSQLiteStore_ExportImport(t *testing.T) {
	source := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, source.Save(ctx, FromAssessment(testAssessment("11111111-1111-4111-8111-111111111111"), "one")))
	require.NoError(t, source.Save(ctx, FromAssessment(testAssessment("22222222-2222-4222-8222-222222222222"), "two")))

	var buf bytes.Buffer
	require.NoError(t, source.ExportJSON(ctx, &buf))
	assert.Contains(t, buf.String(), `"version": "1.0"`)
	assert.Contains(t, buf.String(), `"count": 2`)

	target := createTestStore(t)
	require.NoError(t, target.Save(ctx, FromAssessment(testAssessment("11111111-1111-4111-8111-111111111111"), "kept")))

	imported, skipped, err := target.ImportJSON(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 1, skipped)

	kept, err := target.Get(ctx, "11111111-1111-4111-8111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "kept", kept.Label)

	_, _, err = target.ImportJSON(ctx, bytes.NewReader([]byte("not json")))
	assert.Error(t, err)
}
