package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/correlation"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/transport"
)

// errDependencyFailed marks a record whose dependency is permanently failed.
// Such records are skipped without spending an attempt.
var errDependencyFailed = errors.New("dependency permanently failed")

// bookkeeper writes the sync fields of one collection.
type bookkeeper interface {
	MarkSynced(ctx context.Context, localID string, serverID string) error
	RecordTransientFailure(ctx context.Context, localID string, reason string, maxAttempts int) (domain.SyncState, error)
	MarkFailed(ctx context.Context, localID string, reason string) error
}

// Env is what a stage sees during one pass.
type Env struct {
	transport   transport.Transport
	correlation *correlation.Table
	resolvers   map[domain.EntityType]Resolver
	callTimeout time.Duration
	maxAttempts int
	salePolicy  SalePolicy
	logger      *slog.Logger
	result      *PassResult
}

// call bounds one transport call by the configured timeout.
func (e *Env) call(ctx context.Context, endpoint string, method string, body any) (json.RawMessage, error) {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	return e.transport.Call(ctx, endpoint, method, body)
}

// existing runs a duplicate-detection query and returns the first match.
func existing[T any](ctx context.Context, e *Env, endpoint string, id func(T) string) (string, bool, error) {
	raw, err := e.call(ctx, endpoint, http.MethodGet, nil)
	if err != nil {
		if transport.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	list, err := transport.Decode[transport.List[T]](raw)
	if err != nil {
		return "", false, fmt.Errorf("%w: decode %s: %v", apperrors.ErrTransient, endpoint, err)
	}
	for _, item := range list.Items {
		if serverID := id(item); serverID != "" {
			return serverID, true, nil
		}
	}
	return "", false, nil
}

// create sends a create call and returns the server id.
func (e *Env) create(ctx context.Context, endpoint string, method string, body any) (string, error) {
	raw, err := e.call(ctx, endpoint, method, body)
	if err != nil {
		return "", err
	}
	created, err := transport.Decode[transport.Created](raw)
	if err != nil {
		return "", fmt.Errorf("%w: decode %s: %v", apperrors.ErrTransient, endpoint, err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: %s returned no id", apperrors.ErrTransient, endpoint)
	}
	return created.ID, nil
}

func (e *Env) known(ctx context.Context, entity domain.EntityType, localID string) (string, bool, error) {
	return e.correlation.ServerIDFor(ctx, entity, localID)
}

// remember stores the mapping and reports it in the pass result only when it
// is new.
func (e *Env) remember(ctx context.Context, entity domain.EntityType, localID string, serverID string) error {
	if known, ok, err := e.known(ctx, entity, localID); err != nil {
		return err
	} else if ok && known == serverID {
		return nil
	}
	if err := e.correlation.Remember(ctx, entity, localID, serverID); err != nil {
		return err
	}
	e.result.Mappings = append(e.result.Mappings, domain.IDMapping{
		EntityType: entity,
		LocalID:    localID,
		ServerID:   serverID,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// serverIDFor returns the server id of a dependency, pushing it inline once
// when it has none yet.
func (e *Env) serverIDFor(ctx context.Context, entity domain.EntityType, localID string) (string, error) {
	if id, ok, err := e.known(ctx, entity, localID); err != nil || ok {
		return id, err
	}
	resolver, ok := e.resolvers[entity]
	if !ok {
		return "", &apperrors.DependencyGapError{EntityType: string(entity), LocalID: localID}
	}
	if err := resolver.Resolve(ctx, e, localID); err != nil {
		if errors.Is(err, errDependencyFailed) {
			return "", err
		}
		e.logger.Debug("inline dependency sync failed", slog.String("entity", string(entity)), slog.String("local_id", localID), slog.Any("error", err))
		return "", fmt.Errorf("%w: %w", &apperrors.DependencyGapError{EntityType: string(entity), LocalID: localID}, err)
	}
	if id, ok, err := e.known(ctx, entity, localID); err != nil || ok {
		return id, err
	}
	return "", &apperrors.DependencyGapError{EntityType: string(entity), LocalID: localID}
}

// settle records a per-record failure according to its class.
func (e *Env) settle(ctx context.Context, book bookkeeper, entity domain.EntityType, localID string, cause error, counts *EntityCounts) {
	log := e.logger.With(slog.String("entity", string(entity)), slog.String("local_id", localID))

	if errors.Is(cause, errDependencyFailed) {
		counts.Skipped++
		log.Warn("WARN: skipping record, dependency failed permanently", slog.Any("error", cause))
		return
	}
	counts.Failed++

	switch apperrors.Classify(cause) {
	case apperrors.ClassPermanent:
		if err := book.MarkFailed(ctx, localID, cause.Error()); err != nil {
			log.Error("failed to record permanent failure", slog.Any("error", err))
		}
		log.Warn("WARN: record rejected, needs manual attention", slog.Any("error", cause))
	default:
		state, err := book.RecordTransientFailure(ctx, localID, cause.Error(), e.maxAttempts)
		if err != nil {
			log.Error("failed to record transient failure", slog.Any("error", err))
			return
		}
		if state.IsFailed() {
			log.Warn("WARN: giving up on record after max attempts", slog.Int("attempts", state.Attempts()), slog.Any("error", cause))
			return
		}
		log.Info("record left pending", slog.Int("attempts", state.Attempts()), slog.Any("error", cause))
	}
}
