// Package storetest holds the behavioural contract every store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/store"
)

// Schema is the small schema the contract runs against.
func Schema() store.Schema {
	return store.Schema{
		"items": {
			Name: "items",
			Key:  []string{"id"},
			Indexes: []store.Index{
				{Name: "group", Path: "group"},
				{Name: "synced", Path: "sync.synced"},
			},
		},
		"pairs": {
			Name:    "pairs",
			Key:     []string{"kind", "id"},
			Indexes: []store.Index{{Name: "target", Path: "target"}},
		},
	}
}

type item struct {
	ID    string `json:"id"`
	Group string `json:"group"`
	Color string `json:"color,omitempty"`
	Sync  struct {
		Synced bool `json:"synced"`
	} `json:"sync"`
}

// Run exercises a fresh store produced by open. open must return an empty
// store declared with Schema().
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, s, "items", item{ID: "a", Group: "g1"}))

		got, err := store.Load[item](ctx, s, "items", "a")
		require.NoError(t, err)
		assert.Equal(t, "g1", got.Group)
	})

	t.Run("MissingKeyIsSchemaError", func(t *testing.T) {
		s := open(t)
		err := s.Put(context.Background(), "items", json.RawMessage(`{"group":"g1"}`))
		require.ErrorIs(t, err, apperrors.ErrSchema)

		all, err := s.GetAll(context.Background(), "items")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("UndeclaredCollectionIsSchemaError", func(t *testing.T) {
		s := open(t)
		err := s.Put(context.Background(), "nope", json.RawMessage(`{"id":"x"}`))
		require.ErrorIs(t, err, apperrors.ErrSchema)
		_, err = s.Get(context.Background(), "nope", "x")
		require.ErrorIs(t, err, apperrors.ErrSchema)
	})

	t.Run("GetMissingIsNotFound", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(context.Background(), "items", "missing")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("IndexFollowsRewrites", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, s, "items", item{ID: "a", Group: "g1"}))
		require.NoError(t, store.Save(ctx, s, "items", item{ID: "b", Group: "g1"}))
		require.NoError(t, store.Save(ctx, s, "items", item{ID: "a", Group: "g2"}))

		g1, err := store.LoadByIndex[item](ctx, s, "items", "group", "g1")
		require.NoError(t, err)
		require.Len(t, g1, 1)
		assert.Equal(t, "b", g1[0].ID)

		g2, err := store.LoadByIndex[item](ctx, s, "items", "group", "g2")
		require.NoError(t, err)
		require.Len(t, g2, 1)
		assert.Equal(t, "a", g2[0].ID)
	})

	t.Run("NestedBoolIndex", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		synced := item{ID: "s", Group: "g"}
		synced.Sync.Synced = true
		require.NoError(t, store.Save(ctx, s, "items", synced))
		require.NoError(t, store.Save(ctx, s, "items", item{ID: "p", Group: "g"}))

		pending, err := store.LoadByIndex[item](ctx, s, "items", "synced", "false")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "p", pending[0].ID)
	})

	t.Run("UndeclaredIndexFallsBackToScan", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, s, "items", item{ID: "a", Group: "g", Color: "red"}))
		require.NoError(t, store.Save(ctx, s, "items", item{ID: "b", Group: "g", Color: "blue"}))

		red, err := store.LoadByIndex[item](ctx, s, "items", "color", "red")
		require.NoError(t, err)
		require.Len(t, red, 1)
		assert.Equal(t, "a", red[0].ID)
	})

	t.Run("CompositeKey", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "pairs", json.RawMessage(`{"kind":"session","id":"l1","target":"srv-1"}`)))
		require.NoError(t, s.Put(ctx, "pairs", json.RawMessage(`{"kind":"closure","id":"l1","target":"srv-9"}`)))

		rec, err := s.Get(ctx, "pairs", store.CompositeKey("closure", "l1"))
		require.NoError(t, err)
		assert.True(t, store.Matches(rec, "target", "srv-9"))

		err = s.Put(ctx, "pairs", json.RawMessage(`{"kind":"closure","target":"srv-9"}`))
		require.ErrorIs(t, err, apperrors.ErrSchema)
	})

	t.Run("DeleteAndClear", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, s, "items", item{ID: "a", Group: "g"}))
		require.NoError(t, store.Save(ctx, s, "items", item{ID: "b", Group: "g"}))

		require.NoError(t, s.Delete(ctx, "items", "a"))
		require.NoError(t, s.Delete(ctx, "items", "a"))
		_, err := s.Get(ctx, "items", "a")
		require.ErrorIs(t, err, apperrors.ErrNotFound)

		byGroup, err := s.GetByIndex(ctx, "items", "group", "g")
		require.NoError(t, err)
		assert.Len(t, byGroup, 1)

		require.NoError(t, s.Clear(ctx, "items"))
		all, err := s.GetAll(ctx, "items")
		require.NoError(t, err)
		assert.Empty(t, all)
		byGroup, err = s.GetByIndex(ctx, "items", "group", "g")
		require.NoError(t, err)
		assert.Empty(t, byGroup)
	})

	t.Run("ConcurrentWritersDoNotLoseRecords", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				assert.NoError(t, store.Save(ctx, s, "items", item{ID: id, Group: "g"}))
			}(id)
		}
		wg.Wait()

		all, err := s.GetAll(ctx, "items")
		require.NoError(t, err)
		assert.Len(t, all, len(ids))
	})
}
