package correlation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
)

// Table maps device ids to server ids per entity type.
type Table struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Table {
	return &Table{store: s, now: time.Now}
}

// Remember stores the mapping. Repeating the same pair is a no-op; mapping a
// local id to a second, different server id is a conflict.
func (t *Table) Remember(ctx context.Context, entity domain.EntityType, localID string, serverID string) error {
	localID = strings.TrimSpace(localID)
	serverID = strings.TrimSpace(serverID)
	if entity == "" || localID == "" || serverID == "" {
		return apperrors.Invalid("id_mapping", "entity type, local id and server id are required")
	}

	existing, found, err := t.ServerIDFor(ctx, entity, localID)
	if err != nil {
		return err
	}
	if found {
		if existing == serverID {
			return nil
		}
		return fmt.Errorf("%w: %s %s already mapped to %s, refusing %s", apperrors.ErrConflict, entity, localID, existing, serverID)
	}

	return store.Save(ctx, t.store, store.IDCorrelation, domain.IDMapping{
		EntityType: entity,
		LocalID:    localID,
		ServerID:   serverID,
		CreatedAt:  t.now().UTC(),
	})
}

func (t *Table) ServerIDFor(ctx context.Context, entity domain.EntityType, localID string) (string, bool, error) {
	mapping, err := store.Load[domain.IDMapping](ctx, t.store, store.IDCorrelation, store.CompositeKey(string(entity), localID))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return mapping.ServerID, true, nil
}

func (t *Table) LocalIDFor(ctx context.Context, entity domain.EntityType, serverID string) (string, bool, error) {
	mappings, err := store.LoadByIndex[domain.IDMapping](ctx, t.store, store.IDCorrelation, store.IndexServerID, serverID)
	if err != nil {
		return "", false, err
	}
	for _, m := range mappings {
		if m.EntityType == entity {
			return m.LocalID, true, nil
		}
	}
	return "", false, nil
}

func (t *Table) All(ctx context.Context) ([]domain.IDMapping, error) {
	return store.LoadAll[domain.IDMapping](ctx, t.store, store.IDCorrelation)
}
