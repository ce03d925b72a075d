package cache

import (
	"context"
	"sync"
	"time"

	"kasirinaja/kiosk/internal/domain"
)

// StatusCache holds the latest sync status snapshot for readers outside the
// sync loop (local API, other terminals watching the same Redis).
type StatusCache interface {
	Get(ctx context.Context, key string) (*domain.StatusSnapshot, bool, error)
	Set(ctx context.Context, key string, value *domain.StatusSnapshot, ttl time.Duration) error
}

func StatusKey(terminalID string) string {
	return "kiosk:sync-status:" + terminalID
}

type NoopStatusCache struct{}

func (NoopStatusCache) Get(_ context.Context, _ string) (*domain.StatusSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopStatusCache) Set(_ context.Context, _ string, _ *domain.StatusSnapshot, _ time.Duration) error {
	return nil
}

// MemoryStatusCache is an in-process StatusCache. TTL is ignored.
type MemoryStatusCache struct {
	mu     sync.Mutex
	values map[string]domain.StatusSnapshot
}

func NewMemoryStatusCache() *MemoryStatusCache {
	return &MemoryStatusCache{values: make(map[string]domain.StatusSnapshot)}
}

func (c *MemoryStatusCache) Get(_ context.Context, key string) (*domain.StatusSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (c *MemoryStatusCache) Set(_ context.Context, key string, value *domain.StatusSnapshot, _ time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = *value
	return nil
}
