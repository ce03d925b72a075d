package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/transport"
)

type SessionLedger interface {
	bookkeeper
	ListPendingSync(ctx context.Context) ([]domain.CashSession, error)
	Get(ctx context.Context, localID string) (domain.CashSession, error)
}

type ClosureLedger interface {
	bookkeeper
	ListPendingSync(ctx context.Context) ([]domain.CashClosure, error)
}

type SalePurger interface {
	PurgeForSession(ctx context.Context, sessionLocalID string) (int, error)
}

type StockLedger interface {
	bookkeeper
	ListPendingSync(ctx context.Context) ([]domain.StockAdjustment, error)
}

type MovementLedger interface {
	bookkeeper
	ListPendingSync(ctx context.Context) ([]domain.PendingCashMovement, error)
}

// DefaultPipeline is sessions, closures, stock adjustments, cash movements.
func DefaultPipeline(sessions SessionLedger, closures ClosureLedger, sales SalePurger, stock StockLedger, movements MovementLedger) (*Pipeline, error) {
	return NewPipeline(
		&SessionStage{ledger: sessions},
		&ClosureStage{ledger: closures, sales: sales},
		&StockStage{ledger: stock},
		&MovementStage{ledger: movements},
	)
}

func pendingCount[T any](ctx context.Context, list func(context.Context) ([]T, error)) (int, error) {
	items, err := list(ctx)
	return len(items), err
}

// run drives the per-record loop shared by every stage.
func run[T any](ctx context.Context, env *Env, entity domain.EntityType, book bookkeeper, items []T, localID func(T) string, push func(context.Context, T) error) *EntityCounts {
	counts := &EntityCounts{}
	for _, item := range items {
		id := localID(item)
		counts.Attempted++
		if err := push(ctx, item); err != nil {
			env.settle(ctx, book, entity, id, err, counts)
			continue
		}
		counts.Succeeded++
	}
	if counts.Attempted > 0 {
		env.logger.Info("stage finished",
			slog.String("entity", string(entity)),
			slog.Int("attempted", counts.Attempted),
			slog.Int("succeeded", counts.Succeeded),
			slog.Int("failed", counts.Failed),
			slog.Int("skipped", counts.Skipped),
		)
	}
	return counts
}

// SessionStage creates closed sessions on the server and closes them there.
type SessionStage struct {
	ledger SessionLedger
}

func (s *SessionStage) Entity() domain.EntityType      { return domain.EntitySession }
func (s *SessionStage) DependsOn() []domain.EntityType { return nil }

func (s *SessionStage) Pending(ctx context.Context) (int, error) {
	return pendingCount(ctx, s.ledger.ListPendingSync)
}

func (s *SessionStage) Sync(ctx context.Context, env *Env) (*EntityCounts, error) {
	pending, err := s.ledger.ListPendingSync(ctx)
	if err != nil {
		return &EntityCounts{}, err
	}
	return run(ctx, env, domain.EntitySession, s.ledger, pending,
		func(sess domain.CashSession) string { return sess.LocalID },
		func(ctx context.Context, sess domain.CashSession) error { return s.push(ctx, env, sess) },
	), nil
}

// Resolve pushes one session inline. An open session is only created; it is
// closed on the server by a later pass.
func (s *SessionStage) Resolve(ctx context.Context, env *Env, localID string) error {
	sess, err := s.ledger.Get(ctx, localID)
	if err != nil {
		return err
	}
	if sess.Sync.IsFailed() {
		return fmt.Errorf("%w: session %s: %s", errDependencyFailed, localID, sess.Sync.LastError())
	}
	if serverID, ok := sess.Sync.ServerID(); ok {
		return env.remember(ctx, domain.EntitySession, localID, serverID)
	}
	return s.push(ctx, env, sess)
}

func (s *SessionStage) push(ctx context.Context, env *Env, sess domain.CashSession) error {
	serverID, closedRemotely, err := s.ensureCreated(ctx, env, sess)
	if err != nil {
		return err
	}
	if sess.IsOpen() {
		return nil
	}
	if !closedRemotely {
		payload := transport.SessionClosePayload{Status: string(domain.SessionClosed)}
		if sess.ClosingBalance != nil {
			payload.ClosingBalance = *sess.ClosingBalance
		}
		if sess.ClosedAt != nil {
			payload.ClosedAt = *sess.ClosedAt
		}
		if _, err := env.call(ctx, "/sessions/"+url.PathEscape(serverID), http.MethodPut, payload); err != nil {
			return err
		}
	}
	return s.ledger.MarkSynced(ctx, sess.LocalID, serverID)
}

func (s *SessionStage) ensureCreated(ctx context.Context, env *Env, sess domain.CashSession) (string, bool, error) {
	if serverID, ok, err := env.known(ctx, domain.EntitySession, sess.LocalID); err != nil || ok {
		return serverID, false, err
	}

	closed := false
	serverID, found, err := existing(ctx, env,
		transport.Endpoint("/sessions", url.Values{"operator": {sess.OperatorID}, "client_ref": {sess.LocalID}}),
		func(remote transport.ServerSession) string {
			closed = remote.Status == string(domain.SessionClosed)
			return remote.ID
		},
	)
	if err != nil {
		return "", false, err
	}
	if !found {
		serverID, err = env.create(ctx, "/sessions", http.MethodPost, transport.SessionPayload{
			ClientRef:      sess.LocalID,
			OperatorID:     sess.OperatorID,
			TerminalID:     sess.TerminalID,
			OpeningBalance: sess.OpeningBalance,
			OpenedAt:       sess.OpenedAt,
		})
		if err != nil {
			return "", false, err
		}
	}
	if err := env.remember(ctx, domain.EntitySession, sess.LocalID, serverID); err != nil {
		return "", false, err
	}
	return serverID, closed, nil
}

// ClosureStage pushes closures and applies the sale policy afterwards.
type ClosureStage struct {
	ledger ClosureLedger
	sales  SalePurger
}

func (s *ClosureStage) Entity() domain.EntityType { return domain.EntityClosure }
func (s *ClosureStage) DependsOn() []domain.EntityType {
	return []domain.EntityType{domain.EntitySession}
}

func (s *ClosureStage) Pending(ctx context.Context) (int, error) {
	return pendingCount(ctx, s.ledger.ListPendingSync)
}

func (s *ClosureStage) Sync(ctx context.Context, env *Env) (*EntityCounts, error) {
	pending, err := s.ledger.ListPendingSync(ctx)
	if err != nil {
		return &EntityCounts{}, err
	}
	return run(ctx, env, domain.EntityClosure, s.ledger, pending,
		func(c domain.CashClosure) string { return c.LocalID },
		func(ctx context.Context, c domain.CashClosure) error { return s.push(ctx, env, c) },
	), nil
}

func (s *ClosureStage) push(ctx context.Context, env *Env, c domain.CashClosure) error {
	sessionServerID, err := env.serverIDFor(ctx, domain.EntitySession, c.OwningSessionID)
	if err != nil {
		return err
	}

	serverID, ok, err := env.known(ctx, domain.EntityClosure, c.LocalID)
	if err != nil {
		return err
	}
	if !ok {
		serverID, ok, err = existing(ctx, env,
			transport.Endpoint("/closures", url.Values{"session_id": {sessionServerID}}),
			func(remote transport.ServerClosure) string { return remote.ID },
		)
		if err != nil {
			return err
		}
	}
	if !ok {
		serverID, err = env.create(ctx, "/closures", http.MethodPost, transport.ClosurePayload{
			ClientRef:          c.LocalID,
			SessionID:          sessionServerID,
			OperatorID:         c.OperatorID,
			ClosedAt:           c.ClosedAt,
			SaleCount:          c.SaleCount,
			TotalCash:          c.TotalCash,
			TotalCard:          c.TotalCard,
			TotalTransfer:      c.TotalTransfer,
			GrossSales:         c.GrossSales,
			GrossMargin:        c.GrossMargin,
			Deposits:           c.Deposits,
			Withdrawals:        c.Withdrawals,
			PendingPayments:    c.PendingPayments,
			OpeningBalance:     c.OpeningBalance,
			TheoreticalBalance: c.TheoreticalBalance,
			DeclaredBalance:    c.DeclaredBalance,
			Variance:           c.Variance,
		})
		if err != nil {
			return err
		}
	}
	if err := env.remember(ctx, domain.EntityClosure, c.LocalID, serverID); err != nil {
		return err
	}
	if err := s.ledger.MarkSynced(ctx, c.LocalID, serverID); err != nil {
		return err
	}

	if env.salePolicy == PurgeAfterClosure && s.sales != nil {
		purged, err := s.sales.PurgeForSession(ctx, c.OwningSessionID)
		if err != nil {
			env.logger.Warn("WARN: failed to purge sales after closure sync", slog.String("session_id", c.OwningSessionID), slog.Any("error", err))
		} else if purged > 0 {
			env.logger.Info("purged sales after closure sync", slog.String("session_id", c.OwningSessionID), slog.Int("count", purged))
		}
	}
	return nil
}

// StockStage pushes stock adjustments; it depends on nothing.
type StockStage struct {
	ledger StockLedger
}

func (s *StockStage) Entity() domain.EntityType      { return domain.EntityStock }
func (s *StockStage) DependsOn() []domain.EntityType { return nil }

func (s *StockStage) Pending(ctx context.Context) (int, error) {
	return pendingCount(ctx, s.ledger.ListPendingSync)
}

func (s *StockStage) Sync(ctx context.Context, env *Env) (*EntityCounts, error) {
	pending, err := s.ledger.ListPendingSync(ctx)
	if err != nil {
		return &EntityCounts{}, err
	}
	return run(ctx, env, domain.EntityStock, s.ledger, pending,
		func(a domain.StockAdjustment) string { return a.LocalID },
		func(ctx context.Context, a domain.StockAdjustment) error { return s.push(ctx, env, a) },
	), nil
}

func (s *StockStage) push(ctx context.Context, env *Env, a domain.StockAdjustment) error {
	base := "/stock/" + url.PathEscape(a.ProductID)

	serverID, ok, err := env.known(ctx, domain.EntityStock, a.LocalID)
	if err != nil {
		return err
	}
	if !ok {
		serverID, ok, err = existing(ctx, env,
			transport.Endpoint(base+"/adjustments", url.Values{"client_ref": {a.LocalID}}),
			func(remote transport.ServerStockAdjustment) string { return remote.ID },
		)
		if err != nil {
			return err
		}
	}
	if !ok {
		serverID, err = env.create(ctx, base, http.MethodPut, transport.StockAdjustmentPayload{
			ClientRef:  a.LocalID,
			ProductID:  a.ProductID,
			Delta:      a.Delta,
			Reason:     string(a.Reason),
			Note:       a.Note,
			OperatorID: a.OperatorID,
			CreatedAt:  a.CreatedAt,
		})
		if err != nil {
			return err
		}
	}
	if err := env.remember(ctx, domain.EntityStock, a.LocalID, serverID); err != nil {
		return err
	}
	return s.ledger.MarkSynced(ctx, a.LocalID, serverID)
}

// MovementStage pushes cash movements against their session's server id.
type MovementStage struct {
	ledger MovementLedger
}

func (s *MovementStage) Entity() domain.EntityType { return domain.EntityMovement }
func (s *MovementStage) DependsOn() []domain.EntityType {
	return []domain.EntityType{domain.EntitySession}
}

func (s *MovementStage) Pending(ctx context.Context) (int, error) {
	return pendingCount(ctx, s.ledger.ListPendingSync)
}

func (s *MovementStage) Sync(ctx context.Context, env *Env) (*EntityCounts, error) {
	pending, err := s.ledger.ListPendingSync(ctx)
	if err != nil {
		return &EntityCounts{}, err
	}
	return run(ctx, env, domain.EntityMovement, s.ledger, pending,
		func(m domain.PendingCashMovement) string { return m.LocalID },
		func(ctx context.Context, m domain.PendingCashMovement) error { return s.push(ctx, env, m) },
	), nil
}

func (s *MovementStage) push(ctx context.Context, env *Env, m domain.PendingCashMovement) error {
	sessionServerID, err := env.serverIDFor(ctx, domain.EntitySession, m.OwningSessionID)
	if err != nil {
		return err
	}

	serverID, ok, err := env.known(ctx, domain.EntityMovement, m.LocalID)
	if err != nil {
		return err
	}
	if !ok {
		serverID, ok, err = existing(ctx, env,
			transport.Endpoint("/cash-movements", url.Values{"client_ref": {m.LocalID}}),
			func(remote transport.ServerMovement) string { return remote.ID },
		)
		if err != nil {
			return err
		}
	}
	if !ok {
		serverID, err = env.create(ctx, "/cash-movements", http.MethodPost, transport.MovementPayload{
			ClientRef:  m.LocalID,
			SessionID:  sessionServerID,
			Type:       string(m.Type),
			Amount:     m.Amount,
			Note:       m.Note,
			OperatorID: m.OperatorID,
			CreatedAt:  m.CreatedAt,
		})
		if err != nil {
			return err
		}
	}
	if err := env.remember(ctx, domain.EntityMovement, m.LocalID, serverID); err != nil {
		return err
	}
	return s.ledger.MarkSynced(ctx, m.LocalID, serverID)
}
