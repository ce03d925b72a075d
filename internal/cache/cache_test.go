package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/kiosk/internal/domain"
)

func exerciseStatusCache(t *testing.T, c StatusCache, key string) {
	t.Helper()
	ctx := context.Background()

	_, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, found)

	last := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.Set(ctx, key, &domain.StatusSnapshot{
		IsOnline:           true,
		PendingCounts:      map[domain.EntityType]int{domain.EntitySession: 2},
		LastSuccessfulSync: &last,
	}, time.Minute))

	got, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.IsOnline)
	assert.Equal(t, 2, got.PendingCounts[domain.EntitySession])
	require.NotNil(t, got.LastSuccessfulSync)
	assert.True(t, last.Equal(*got.LastSuccessfulSync))
}

func TestMemoryStatusCache(t *testing.T) {
	exerciseStatusCache(t, NewMemoryStatusCache(), StatusKey("t1"))
}

func TestNoopStatusCacheNeverHits(t *testing.T) {
	c := NoopStatusCache{}
	require.NoError(t, c.Set(context.Background(), "k", &domain.StatusSnapshot{}, 0))
	_, found, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStatusCacheIntegration(t *testing.T) {
	addr := os.Getenv("KIOSK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KIOSK_TEST_REDIS_ADDR is not set")
	}
	c := NewRedisStatusCache(addr, "", 0)
	defer c.Close()
	require.NoError(t, c.Ping(context.Background()))

	key := StatusKey("it-" + time.Now().Format("150405.000000"))
	exerciseStatusCache(t, c, key)
}
