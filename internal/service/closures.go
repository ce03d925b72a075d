package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
)

type ClosureController struct {
	ledger[domain.CashClosure, *domain.CashClosure]
	sales     *SaleController
	movements *MovementController
	logger    *slog.Logger
}

func NewClosureController(s store.Store, sales *SaleController, movements *MovementController, logger *slog.Logger) *ClosureController {
	return &ClosureController{
		ledger:    newLedger[domain.CashClosure](s, store.ClosuresPending, &sync.Mutex{}),
		sales:     sales,
		movements: movements,
		logger:    componentLogger(logger, "closures"),
	}
}

// Compute derives closure totals from the stored sales and movements of the
// session. Nothing is cached between calls.
func (c *ClosureController) Compute(ctx context.Context, session domain.CashSession, declared decimal.Decimal) (domain.ClosureTotals, error) {
	sales, err := c.sales.ListBySession(ctx, session.LocalID)
	if err != nil {
		return domain.ClosureTotals{}, err
	}
	movements, err := c.movements.ListBySession(ctx, session.LocalID)
	if err != nil {
		return domain.ClosureTotals{}, err
	}

	t := domain.ClosureTotals{
		TotalCash:       decimal.Zero,
		TotalCard:       decimal.Zero,
		TotalTransfer:   decimal.Zero,
		GrossSales:      decimal.Zero,
		GrossMargin:     decimal.Zero,
		Deposits:        decimal.Zero,
		Withdrawals:     decimal.Zero,
		PendingPayments: decimal.Zero,
		OpeningBalance:  session.OpeningBalance.Round(2),
		DeclaredBalance: declared.Round(2),
	}

	for _, sale := range sales {
		if sale.IsVoided() {
			t.VoidedCount++
			continue
		}
		t.SaleCount++
		switch sale.PaymentMethod {
		case domain.PaymentCash:
			t.TotalCash = t.TotalCash.Add(sale.Total)
		case domain.PaymentCard:
			t.TotalCard = t.TotalCard.Add(sale.Total)
		case domain.PaymentTransfer:
			t.TotalTransfer = t.TotalTransfer.Add(sale.Total)
		}
		t.GrossSales = t.GrossSales.Add(sale.Total)
		for _, line := range sale.Lines {
			t.GrossMargin = t.GrossMargin.Add(line.Margin())
		}
	}

	for _, m := range movements {
		switch m.Type {
		case domain.MovementDeposit:
			t.Deposits = t.Deposits.Add(m.Amount)
		case domain.MovementWithdrawal:
			t.Withdrawals = t.Withdrawals.Add(m.Amount)
		case domain.MovementPendingPayment:
			t.PendingPayments = t.PendingPayments.Add(m.Amount)
		}
	}

	t.TotalCash = t.TotalCash.Round(2)
	t.TotalCard = t.TotalCard.Round(2)
	t.TotalTransfer = t.TotalTransfer.Round(2)
	t.GrossSales = t.GrossSales.Round(2)
	t.GrossMargin = t.GrossMargin.Round(2)
	t.Deposits = t.Deposits.Round(2)
	t.Withdrawals = t.Withdrawals.Round(2)
	t.PendingPayments = t.PendingPayments.Round(2)
	t.TheoreticalBalance = t.OpeningBalance.Add(t.TotalCash).Add(t.Deposits).Sub(t.Withdrawals).Round(2)
	t.Variance = t.DeclaredBalance.Sub(t.TheoreticalBalance).Round(2)
	return t, nil
}

// Save stores the single closure of a session.
func (c *ClosureController) Save(ctx context.Context, session domain.CashSession, totals domain.ClosureTotals) (domain.CashClosure, error) {
	if strings.TrimSpace(session.LocalID) == "" {
		return domain.CashClosure{}, apperrors.Invalid("owning_session_id", "is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.ForSession(ctx, session.LocalID); err == nil {
		return domain.CashClosure{}, apperrors.ErrClosureExists
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return domain.CashClosure{}, err
	}

	now := c.now().UTC()
	closedAt := now
	if session.ClosedAt != nil {
		closedAt = session.ClosedAt.UTC()
	}
	closure := domain.CashClosure{
		Meta:            domain.NewMeta("clos", now),
		OwningSessionID: session.LocalID,
		OperatorID:      session.OperatorID,
		ClosedAt:        closedAt,
		ClosureTotals:   totals,
	}
	if err := store.Save(ctx, c.store, store.ClosuresPending, closure); err != nil {
		return domain.CashClosure{}, err
	}
	c.logger.Info("closure saved",
		slog.String("closure_id", closure.LocalID),
		slog.String("session_id", session.LocalID),
		slog.String("theoretical_balance", totals.TheoreticalBalance.StringFixed(2)),
		slog.String("variance", totals.Variance.StringFixed(2)),
	)
	return closure, nil
}

func (c *ClosureController) Get(ctx context.Context, localID string) (domain.CashClosure, error) {
	return c.get(ctx, localID)
}

func (c *ClosureController) ForSession(ctx context.Context, sessionLocalID string) (domain.CashClosure, error) {
	closures, err := store.LoadByIndex[domain.CashClosure](ctx, c.store, store.ClosuresPending, store.IndexOwningSession, sessionLocalID)
	if err != nil {
		return domain.CashClosure{}, err
	}
	if len(closures) == 0 {
		return domain.CashClosure{}, apperrors.ErrNotFound
	}
	return closures[0], nil
}
