package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pgx-cds-server/internal/domain"
)

// MemoryCache is an in-process LRU with per-entry expiry. Entries are stored
// serialized so callers never share an Assessment.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryCache creates a cache holding at most maxItems entries for ttl.
func NewMemoryCache(maxItems int, ttl time.Duration) *MemoryCache {
	if maxItems <= 0 {
		maxItems = 1000
	}
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](maxItems, nil, ttl)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*domain.Assessment, bool, error) {
	data, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	a, err := decode(data)
	if err != nil {
		c.lru.Remove(key)
		return nil, false, fmt.Errorf("decoding cached assessment: %w", err)
	}
	return a, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, assessment *domain.Assessment) error {
	data, err := encode(assessment)
	if err != nil {
		return fmt.Errorf("encoding assessment: %w", err)
	}
	c.lru.Add(key, data)
	return nil
}

// Len reports the number of live entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

func (c *MemoryCache) Close() error {
	c.lru.Purge()
	return nil
}
