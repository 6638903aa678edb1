package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgx-cds-server/internal/domain"
)

func sampleContext() domain.PatientContext {
	return domain.PatientContext{
		Genes:       []domain.ReportedGene{{Gene: "CYP2D6", Phenotype: "Normal Metabolizer"}},
		Medications: []string{"Risperdal", "venlafaxine"},
		Symptoms:    []string{"Tremor", "None"},
	}
}

func sampleAssessment() *domain.Assessment {
	return &domain.Assessment{
		ID:                   "a-1",
		KnowledgeBaseVersion: "v1",
		Medications:          []string{"risperidone"},
		Results: []domain.RiskResult{
			{Medication: "risperidone", Category: domain.NO_KNOWN_INTERACTION},
		},
	}
}

func TestKeyNormalizesCaseAndWhitespace(t *testing.T) {
	a := sampleContext()
	b := domain.PatientContext{
		Genes:       []domain.ReportedGene{{Gene: " cyp2d6 ", Phenotype: "normal   metabolizer"}},
		Medications: []string{"RISPERDAL", "  Venlafaxine"},
		Symptoms:    []string{"tremor"},
	}
	assert.Equal(t, Key(a, "v1"), Key(b, "v1"))
}

func TestKeyChangesWithVersionAndInput(t *testing.T) {
	base := Key(sampleContext(), "v1")

	assert.NotEqual(t, base, Key(sampleContext(), "v2"))

	changed := sampleContext()
	changed.Medications = append(changed.Medications, "paroxetine")
	assert.NotEqual(t, base, Key(changed, "v1"))

	reordered := sampleContext()
	reordered.Medications = []string{"venlafaxine", "Risperdal"}
	assert.NotEqual(t, base, Key(reordered, "v1"))

	assert.Contains(t, base, keyPrefix)
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(10, time.Minute)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", sampleAssessment()))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a-1", got.ID)

	// Mutating a returned value must not affect the cache.
	got.Results[0].Category = domain.HIGH_RISK
	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, domain.NO_KNOWN_INTERACTION, again.Results[0].Category)
}

func TestMemoryCacheEvictsAndExpires(t *testing.T) {
	ctx := context.Background()

	small := NewMemoryCache(1, time.Minute)
	require.NoError(t, small.Set(ctx, "a", sampleAssessment()))
	require.NoError(t, small.Set(ctx, "b", sampleAssessment()))
	assert.Equal(t, 1, small.Len())
	_, ok, _ := small.Get(ctx, "a")
	assert.False(t, ok)

	short := NewMemoryCache(10, 20*time.Millisecond)
	require.NoError(t, short.Set(ctx, "a", sampleAssessment()))
	assert.Eventually(t, func() bool {
		_, ok, _ := short.Get(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, short.Close())
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis cache tests")
	}

	ctx := context.Background()
	c, err := NewRedisCache(ctx, RedisConfig{URL: url, DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	key := Key(sampleContext(), "redis-test")
	require.NoError(t, c.Set(ctx, key, sampleAssessment()))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a-1", got.ID)

	_, ok, err = c.Get(ctx, key+"-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisCacheRejectsBadURL(t *testing.T) {
	_, err := NewRedisCache(context.Background(), RedisConfig{URL: "not-a-url"})
	require.Error(t, err)
}
