package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store/memory"
)

func TestRememberAndLookupBothWays(t *testing.T) {
	ctx := context.Background()
	table := New(memory.NewKiosk())

	require.NoError(t, table.Remember(ctx, domain.EntitySession, "session-1", "501"))
	require.NoError(t, table.Remember(ctx, domain.EntityClosure, "closure-1", "501"))

	serverID, ok, err := table.ServerIDFor(ctx, domain.EntitySession, "session-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "501", serverID)

	localID, ok, err := table.LocalIDFor(ctx, domain.EntityClosure, "501")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "closure-1", localID)

	_, ok, err = table.ServerIDFor(ctx, domain.EntitySession, "session-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRememberIsIdempotentAndRefusesRemap(t *testing.T) {
	ctx := context.Background()
	table := New(memory.NewKiosk())

	require.NoError(t, table.Remember(ctx, domain.EntitySession, "session-1", "501"))
	require.NoError(t, table.Remember(ctx, domain.EntitySession, "session-1", "501"))

	err := table.Remember(ctx, domain.EntitySession, "session-1", "777")
	require.ErrorIs(t, err, apperrors.ErrConflict)

	all, err := table.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.ErrorIs(t, table.Remember(ctx, domain.EntitySession, "", "1"), apperrors.ErrValidation)
}
