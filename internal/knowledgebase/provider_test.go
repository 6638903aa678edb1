package knowledgebase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgx-cds-server/internal/domain"
)

type stubSource struct {
	mu       sync.Mutex
	datasets []*Dataset
	err      error
	calls    int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Fetch(ctx context.Context) (*Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	ds := s.datasets[0]
	if len(s.datasets) > 1 {
		s.datasets = s.datasets[1:]
	}
	return ds, nil
}

func TestProviderCurrentBeforeRefresh(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewProvider(&stubSource{datasets: []*Dataset{minimalDataset()}}, logger)

	_, err := p.Current()
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.True(t, p.LoadedAt().IsZero())
}

func TestProviderRefreshSwapsVersion(t *testing.T) {
	logger, _ := test.NewNullLogger()
	second := minimalDataset()
	second.Version = "test-2"
	source := &stubSource{datasets: []*Dataset{minimalDataset(), second}}
	p := NewProvider(source, logger)

	kb, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-1", kb.Version())

	held, err := p.Current()
	require.NoError(t, err)

	_, err = p.Refresh(context.Background())
	require.NoError(t, err)

	current, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, "test-2", current.Version())
	assert.Equal(t, "test-1", held.Version(), "a held snapshot never changes")
	assert.False(t, p.LoadedAt().IsZero())
}

func TestProviderRefreshKeepsPreviousOnFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	source := &stubSource{datasets: []*Dataset{minimalDataset()}}
	p := NewProvider(source, logger)

	_, err := p.Refresh(context.Background())
	require.NoError(t, err)

	source.err = errors.New("connection refused")
	_, err = p.Refresh(context.Background())
	require.Error(t, err)

	kb, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, "test-1", kb.Version())
}

func TestProviderRejectsInvalidDataset(t *testing.T) {
	logger, _ := test.NewNullLogger()
	bad := minimalDataset()
	bad.Rules[0].Category = "Severe"
	p := NewProvider(&stubSource{datasets: []*Dataset{bad}}, logger)

	_, err := p.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidRiskCategory)
}

func TestStaticProvider(t *testing.T) {
	kb := loadDefault(t)
	p := NewStaticProvider(kb)

	got, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, kb, got)
	assert.Equal(t, "static", p.SourceName())
}

func TestProviderSchedule(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewProvider(&stubSource{datasets: []*Dataset{minimalDataset()}}, logger)

	require.Error(t, p.StartSchedule("not a schedule"))
	require.NoError(t, p.StartSchedule("@every 1h"))
	require.NoError(t, p.StartSchedule("0 3 * * *"))
	p.Stop()
	p.Stop()
}

func TestRemoteSourceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(defaultDataset)
	}))
	defer server.Close()

	logger, _ := test.NewNullLogger()
	source := NewRemoteSource(RemoteConfig{URL: server.URL, RateLimit: 100}, logger)

	ds, err := source.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025.06-bh", ds.Version)
	assert.Equal(t, "remote:"+server.URL, source.Name())
}

func TestRemoteSourceRejectsOversizedDataset(t *testing.T) {
	logger, _ := test.NewNullLogger()
	data := defaultDataset
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	}))
	defer server.Close()

	limit := int64(len(data) - 1)
	source := NewRemoteSource(RemoteConfig{URL: server.URL, RateLimit: 100, MaxBytes: limit}, logger)
	_, err := source.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("dataset exceeds %d bytes", limit))

	exact := NewRemoteSource(RemoteConfig{URL: server.URL, RateLimit: 100, MaxBytes: int64(len(data))}, logger)
	ds, err := exact.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025.06-bh", ds.Version)
}

func TestRemoteSourceOpensBreaker(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	logger, _ := test.NewNullLogger()
	source := NewRemoteSource(RemoteConfig{
		URL:              server.URL,
		RateLimit:        1000,
		FailureThreshold: 2,
		BreakerTimeout:   time.Hour,
	}, logger)

	for i := 0; i < 4; i++ {
		_, err := source.Fetch(context.Background())
		require.Error(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestRemoteSourceHonoursContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	source := NewRemoteSource(RemoteConfig{URL: "http://127.0.0.1:1", RateLimit: 0.001}, logger)

	// The first token is free; the second wait exceeds the deadline.
	_, _ = source.Fetch(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := source.Fetch(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}
