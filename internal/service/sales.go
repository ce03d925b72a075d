package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
)

type SaleController struct {
	ledger[domain.Sale, *domain.Sale]
	sessions *SessionController
	stock    *StockController
	logger   *slog.Logger
}

// NewSaleController reads sessions and products but never writes them.
func NewSaleController(s store.Store, sessions *SessionController, stock *StockController, logger *slog.Logger) *SaleController {
	return &SaleController{
		ledger:   newLedger[domain.Sale](s, store.SalesPending, &sync.Mutex{}),
		sessions: sessions,
		stock:    stock,
		logger:   componentLogger(logger, "sales"),
	}
}

// Prepare validates a sale request and builds the sale with its totals. It
// writes nothing.
func (c *SaleController) Prepare(ctx context.Context, req domain.RecordSaleRequest) (domain.Sale, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.OperatorID = operatorFor(ctx, req.OperatorID)
	if err := validateRequest(req); err != nil {
		return domain.Sale{}, err
	}

	session, err := c.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return domain.Sale{}, err
	}
	if !session.IsOpen() {
		return domain.Sale{}, apperrors.ErrSessionNotOpen
	}
	if req.OperatorID == "" {
		req.OperatorID = session.OperatorID
	}

	lines := make([]domain.SaleLine, 0, len(req.Lines))
	for i, in := range req.Lines {
		product, err := c.stock.GetProduct(ctx, strings.TrimSpace(in.ProductID))
		if err != nil {
			return domain.Sale{}, fmt.Errorf("lines[%d]: %w", i, err)
		}
		if !product.Active {
			return domain.Sale{}, apperrors.Invalid(fmt.Sprintf("lines[%d].product_id", i), "product is inactive")
		}
		line := domain.SaleLine{
			ProductID: product.ProductID,
			Quantity:  in.Quantity,
			UnitPrice: product.UnitPrice,
			UnitCost:  product.UnitCost,
		}
		if in.UnitPrice != nil {
			line.UnitPrice = *in.UnitPrice
		}
		if in.UnitCost != nil {
			line.UnitCost = *in.UnitCost
		}
		if line.UnitPrice.IsNegative() || line.UnitCost.IsNegative() {
			return domain.Sale{}, apperrors.Invalid(fmt.Sprintf("lines[%d]", i), "prices must not be negative")
		}
		lines = append(lines, line)
	}

	return domain.Sale{
		Meta:            domain.NewMeta("sale", c.now()),
		OwningSessionID: session.LocalID,
		OperatorID:      req.OperatorID,
		Lines:           lines,
		Total:           domain.SaleTotal(lines),
		PaymentMethod:   req.PaymentMethod,
		Status:          domain.SaleCompleted,
	}, nil
}

// Save persists a prepared sale together with its lines.
func (c *SaleController) Save(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	switch {
	case strings.TrimSpace(sale.LocalID) == "":
		return domain.Sale{}, apperrors.Invalid("local_id", "is required")
	case sale.OwningSessionID == "":
		return domain.Sale{}, apperrors.Invalid("owning_session_id", "is required")
	case len(sale.Lines) == 0:
		return domain.Sale{}, apperrors.Invalid("lines", "must have at least 1 item(s)")
	case !sale.PaymentMethod.Valid():
		return domain.Sale{}, apperrors.Invalid("payment_method", "must be one of cash card transfer")
	}
	sale.Total = domain.SaleTotal(sale.Lines)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := store.Save(ctx, c.store, store.SalesPending, sale); err != nil {
		return domain.Sale{}, err
	}
	c.logger.Info("sale recorded",
		slog.String("sale_id", sale.LocalID),
		slog.String("session_id", sale.OwningSessionID),
		slog.String("total", sale.Total.StringFixed(2)),
		slog.String("payment_method", string(sale.PaymentMethod)),
	)
	return sale, nil
}

func (c *SaleController) Get(ctx context.Context, localID string) (domain.Sale, error) {
	return c.get(ctx, localID)
}

func (c *SaleController) ListBySession(ctx context.Context, sessionLocalID string) ([]domain.Sale, error) {
	return store.LoadByIndex[domain.Sale](ctx, c.store, store.SalesPending, store.IndexOwningSession, sessionLocalID)
}

// Void marks a completed sale voided. Restocking is sequenced by the Kiosk.
func (c *SaleController) Void(ctx context.Context, localID string, reason string) (domain.Sale, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sale, err := c.get(ctx, localID)
	if err != nil {
		return domain.Sale{}, err
	}
	if sale.IsVoided() {
		return domain.Sale{}, apperrors.ErrSaleVoided
	}
	at := c.now().UTC()
	sale.Status = domain.SaleVoided
	sale.VoidReason = strings.TrimSpace(reason)
	sale.VoidedAt = &at
	if err := store.Save(ctx, c.store, store.SalesPending, sale); err != nil {
		return domain.Sale{}, err
	}
	c.logger.Info("sale voided", slog.String("sale_id", sale.LocalID), slog.String("reason", sale.VoidReason))
	return sale, nil
}

// PurgeForSession deletes every local sale of a session.
func (c *SaleController) PurgeForSession(ctx context.Context, sessionLocalID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sales, err := c.ListBySession(ctx, sessionLocalID)
	if err != nil {
		return 0, err
	}
	for i, sale := range sales {
		if err := c.store.Delete(ctx, store.SalesPending, sale.LocalID); err != nil {
			return i, err
		}
	}
	return len(sales), nil
}
