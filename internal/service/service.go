package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// operatorFor prefers the explicit operator and falls back to the signed-in actor.
func operatorFor(ctx context.Context, explicit string) string {
	if op := strings.TrimSpace(explicit); op != "" {
		return op
	}
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.OperatorID
	}
	return ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest runs struct tags and reports the first failure as a ValidationError.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		return apperrors.Invalid(field, describeRule(fe))
	}
	return apperrors.Invalid("", err.Error())
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "ne":
		return "must not be " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " item(s)"
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

func componentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", component))
}

// syncable is satisfied by pointers to entities embedding domain.Meta.
type syncable[T any] interface {
	*T
	Base() *domain.Meta
}

// ledger keeps the sync bookkeeping of one collection. It only ever touches
// the Meta.Sync field; business fields are left to the owning controller.
// mu is shared with the controller so bookkeeping and business writes of the
// same collection never interleave.
type ledger[T any, PT syncable[T]] struct {
	store      store.Store
	collection string
	mu         *sync.Mutex
	now        func() time.Time
}

func newLedger[T any, PT syncable[T]](s store.Store, collection string, mu *sync.Mutex) ledger[T, PT] {
	return ledger[T, PT]{store: s, collection: collection, mu: mu, now: time.Now}
}

func (l ledger[T, PT]) get(ctx context.Context, localID string) (T, error) {
	localID = strings.TrimSpace(localID)
	if localID == "" {
		var zero T
		return zero, apperrors.Invalid("local_id", "is required")
	}
	return store.Load[T](ctx, l.store, l.collection, localID)
}

// ListPendingSync returns records not yet synced and not permanently failed.
func (l ledger[T, PT]) ListPendingSync(ctx context.Context) ([]T, error) {
	items, err := store.LoadByIndex[T](ctx, l.store, l.collection, store.IndexSynced, "false")
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for i := range items {
		if PT(&items[i]).Base().IsSyncPending() {
			out = append(out, items[i])
		}
	}
	return out, nil
}

func (l ledger[T, PT]) ListFailedSync(ctx context.Context) ([]T, error) {
	items, err := store.LoadByIndex[T](ctx, l.store, l.collection, store.IndexSynced, "false")
	if err != nil {
		return nil, err
	}
	out := make([]T, 0)
	for i := range items {
		if PT(&items[i]).Base().Sync.IsFailed() {
			out = append(out, items[i])
		}
	}
	return out, nil
}

func (l ledger[T, PT]) MarkSynced(ctx context.Context, localID string, serverID string) error {
	return l.update(ctx, localID, func(state domain.SyncState) (domain.SyncState, error) {
		return state.MarkSynced(serverID, l.now())
	})
}

// RecordTransientFailure bumps the attempt counter and returns the new state,
// which is Failed once maxAttempts is reached.
func (l ledger[T, PT]) RecordTransientFailure(ctx context.Context, localID string, reason string, maxAttempts int) (domain.SyncState, error) {
	var next domain.SyncState
	err := l.update(ctx, localID, func(state domain.SyncState) (domain.SyncState, error) {
		next = state.RecordTransientFailure(reason, maxAttempts)
		return next, nil
	})
	return next, err
}

func (l ledger[T, PT]) MarkFailed(ctx context.Context, localID string, reason string) error {
	return l.update(ctx, localID, func(state domain.SyncState) (domain.SyncState, error) {
		return state.MarkFailed(reason), nil
	})
}

// Requeue puts a failed record back in the queue for manual retry.
func (l ledger[T, PT]) Requeue(ctx context.Context, localID string) error {
	return l.update(ctx, localID, func(state domain.SyncState) (domain.SyncState, error) {
		return state.Requeue(), nil
	})
}

func (l ledger[T, PT]) update(ctx context.Context, localID string, fn func(domain.SyncState) (domain.SyncState, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, err := l.get(ctx, localID)
	if err != nil {
		return err
	}
	meta := PT(&item).Base()
	next, err := fn(meta.Sync)
	if err != nil {
		return err
	}
	meta.Sync = next
	return store.Save(ctx, l.store, l.collection, item)
}
