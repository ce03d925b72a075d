package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
)

// StockController owns the product catalog quantities and the stock
// adjustments that carry every quantity change to the server.
type StockController struct {
	ledger[domain.StockAdjustment, *domain.StockAdjustment]
	logger *slog.Logger
}

func NewStockController(s store.Store, logger *slog.Logger) *StockController {
	return &StockController{
		ledger: newLedger[domain.StockAdjustment](s, store.StockAdjustments, &sync.Mutex{}),
		logger: componentLogger(logger, "stock"),
	}
}

func (c *StockController) UpsertProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	p.ProductID = strings.TrimSpace(p.ProductID)
	p.Name = strings.TrimSpace(p.Name)
	switch {
	case p.ProductID == "":
		return domain.Product{}, apperrors.Invalid("product_id", "is required")
	case p.Name == "":
		return domain.Product{}, apperrors.Invalid("name", "is required")
	case p.Quantity < 0:
		return domain.Product{}, apperrors.Invalid("quantity", "must not be negative")
	case p.ReorderThreshold < 0:
		return domain.Product{}, apperrors.Invalid("reorder_threshold", "must not be negative")
	case p.UnitPrice.IsNegative() || p.UnitCost.IsNegative():
		return domain.Product{}, apperrors.Invalid("unit_price", "prices must not be negative")
	}
	p.UnitPrice = p.UnitPrice.Round(2)
	p.UnitCost = p.UnitCost.Round(2)
	p.UpdatedAt = c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := store.Save(ctx, c.store, store.Products, p); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

func (c *StockController) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if productID == "" {
		return domain.Product{}, apperrors.Invalid("product_id", "is required")
	}
	p, err := store.Load[domain.Product](ctx, c.store, store.Products, productID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return domain.Product{}, fmt.Errorf("product %s: %w", productID, err)
	}
	return p, err
}

func (c *StockController) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return store.LoadAll[domain.Product](ctx, c.store, store.Products)
}

// LowStock lists active products at or below their reorder threshold, lowest first.
func (c *StockController) LowStock(ctx context.Context) ([]domain.Product, error) {
	active, err := store.LoadByIndex[domain.Product](ctx, c.store, store.Products, store.IndexActive, "true")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0)
	for _, p := range active {
		if p.BelowReorder() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Quantity < out[j].Quantity })
	return out, nil
}

// CheckAvailability fails with ErrInsufficientStock when any product cannot
// cover the summed quantity of its lines.
func (c *StockController) CheckAvailability(ctx context.Context, lines []domain.SaleLine) error {
	needed := make(map[string]int, len(lines))
	for _, line := range lines {
		needed[line.ProductID] += line.Quantity
	}
	for productID, qty := range needed {
		p, err := c.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if p.Quantity < qty {
			return fmt.Errorf("%w: product %s has %d, requested %d", apperrors.ErrInsufficientStock, productID, p.Quantity, qty)
		}
	}
	return nil
}

// Adjust applies one increment or decrement and records it for sync. A
// decrement below zero fails and leaves the quantity unchanged.
func (c *StockController) Adjust(ctx context.Context, req domain.AdjustStockRequest) (domain.StockAdjustment, error) {
	adjustments, err := c.AdjustBatch(ctx, []domain.AdjustStockRequest{req})
	if err != nil {
		return domain.StockAdjustment{}, err
	}
	return adjustments[0], nil
}

// AdjustBatch applies all adjustments or none of them.
func (c *StockController) AdjustBatch(ctx context.Context, reqs []domain.AdjustStockRequest) ([]domain.StockAdjustment, error) {
	if len(reqs) == 0 {
		return nil, apperrors.Invalid("adjustments", "must have at least 1 item(s)")
	}
	for i := range reqs {
		reqs[i].ProductID = strings.TrimSpace(reqs[i].ProductID)
		reqs[i].OperatorID = operatorFor(ctx, reqs[i].OperatorID)
		if err := validateRequest(reqs[i]); err != nil {
			return nil, err
		}
		if !reqs[i].Reason.Valid() {
			return nil, apperrors.Invalid("reason", "is not a known adjustment reason")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	products := make(map[string]*domain.Product, len(reqs))
	original := make(map[string]domain.Product, len(reqs))
	for _, req := range reqs {
		if _, ok := products[req.ProductID]; ok {
			continue
		}
		p, err := c.GetProduct(ctx, req.ProductID)
		if err != nil {
			return nil, err
		}
		original[p.ProductID] = p
		products[p.ProductID] = &p
	}

	now := c.now().UTC()
	adjustments := make([]domain.StockAdjustment, 0, len(reqs))
	for _, req := range reqs {
		p := products[req.ProductID]
		if err := p.Apply(req.Delta); err != nil {
			return nil, err
		}
		p.UpdatedAt = now
		adjustments = append(adjustments, domain.StockAdjustment{
			Meta:              domain.NewMeta("stk", now),
			ProductID:         req.ProductID,
			Delta:             req.Delta,
			Reason:            req.Reason,
			SaleID:            req.SaleID,
			OperatorID:        req.OperatorID,
			Note:              strings.TrimSpace(req.Note),
			ResultingQuantity: p.Quantity,
		})
	}

	written := make([]string, 0, len(products))
	for id, p := range products {
		if err := store.Save(ctx, c.store, store.Products, *p); err != nil {
			c.restore(ctx, written, original)
			return nil, err
		}
		written = append(written, id)
	}
	for i, adj := range adjustments {
		if err := store.Save(ctx, c.store, store.StockAdjustments, adj); err != nil {
			c.restore(ctx, written, original)
			for _, done := range adjustments[:i] {
				if derr := c.store.Delete(ctx, store.StockAdjustments, done.LocalID); derr != nil {
					c.logger.Warn("WARN: failed to remove adjustment during rollback", slog.String("adjustment_id", done.LocalID), slog.Any("error", derr))
				}
			}
			return nil, err
		}
	}

	for _, adj := range adjustments {
		c.logger.Info("stock adjusted",
			slog.String("product_id", adj.ProductID),
			slog.Int("delta", adj.Delta),
			slog.String("reason", string(adj.Reason)),
			slog.Int("quantity", adj.ResultingQuantity),
		)
	}
	return adjustments, nil
}

func (c *StockController) restore(ctx context.Context, productIDs []string, original map[string]domain.Product) {
	for _, id := range productIDs {
		if err := store.Save(ctx, c.store, store.Products, original[id]); err != nil {
			c.logger.Warn("WARN: failed to restore product quantity", slog.String("product_id", id), slog.Any("error", err))
		}
	}
}

func (c *StockController) ListByProduct(ctx context.Context, productID string) ([]domain.StockAdjustment, error) {
	return store.LoadByIndex[domain.StockAdjustment](ctx, c.store, store.StockAdjustments, store.IndexProduct, productID)
}
