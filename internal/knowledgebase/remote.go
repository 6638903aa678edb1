package knowledgebase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// defaultMaxDatasetBytes bounds a remote dataset download.
const defaultMaxDatasetBytes = 16 << 20

// RemoteConfig configures a RemoteSource.
type RemoteConfig struct {
	URL              string
	Timeout          time.Duration
	RateLimit        float64 // fetches per second
	MaxRequests      uint32
	Interval         time.Duration
	BreakerTimeout   time.Duration
	FailureThreshold uint32
	MaxBytes         int64 // largest accepted dataset body
}

// RemoteSource downloads a YAML dataset over HTTP behind a rate limiter and a
// circuit breaker.
type RemoteSource struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxBytes   int64
	logger     *logrus.Logger
}

// NewRemoteSource creates a remote dataset source.
func NewRemoteSource(cfg RemoteConfig, logger *logrus.Logger) *RemoteSource {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 5 * time.Minute
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxDatasetBytes
	}

	settings := gobreaker.Settings{
		Name:        "KnowledgeBaseRemote",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &RemoteSource{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		maxBytes:   cfg.MaxBytes,
		logger:     logger,
	}
}

func (s *RemoteSource) Name() string { return "remote:" + s.url }

// Fetch downloads and decodes the dataset.
func (s *RemoteSource) Fetch(ctx context.Context) (*Dataset, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.download(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Dataset), nil
}

func (s *RemoteSource) download(ctx context.Context) (*Dataset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/yaml, application/json")
	req.Header.Set("User-Agent", "pgx-cds-server/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	// One byte past the limit tells an oversized body from one that fits exactly.
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, fmt.Errorf("dataset exceeds %d bytes", s.maxBytes)
	}

	ds, err := ParseDataset(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"url":     s.url,
		"version": ds.Version,
	}).Debug("Downloaded knowledge base dataset")
	return ds, nil
}
