package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/connectivity"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
)

// Kiosk is the write entry point for the UI. It is the only place that
// sequences writes spanning several entities; controllers only read from
// one another.
type Kiosk struct {
	Sessions  *SessionController
	Sales     *SaleController
	Closures  *ClosureController
	Stock     *StockController
	Movements *MovementController

	managerPIN ManagerPIN
	mu         sync.Mutex
	logger     *slog.Logger
}

func NewKiosk(s store.Store, remote RemoteSessionChecker, conn connectivity.Source, managerPIN ManagerPIN, logger *slog.Logger) *Kiosk {
	sessions := NewSessionController(s, remote, conn, logger)
	stock := NewStockController(s, logger)
	sales := NewSaleController(s, sessions, stock, logger)
	movements := NewMovementController(s, sessions, logger)
	closures := NewClosureController(s, sales, movements, logger)

	return &Kiosk{
		Sessions:   sessions,
		Sales:      sales,
		Closures:   closures,
		Stock:      stock,
		Movements:  movements,
		managerPIN: managerPIN,
		logger:     componentLogger(logger, "kiosk"),
	}
}

func (k *Kiosk) OpenSession(ctx context.Context, req domain.OpenSessionRequest) (domain.CashSession, error) {
	return k.Sessions.Open(ctx, req)
}

// RecordSale validates the sale, checks and decrements stock, then persists
// the sale. Stock is restored if the sale cannot be stored.
func (k *Kiosk) RecordSale(ctx context.Context, req domain.RecordSaleRequest) (domain.Sale, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	sale, err := k.Sales.Prepare(ctx, req)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := k.Stock.CheckAvailability(ctx, sale.Lines); err != nil {
		return domain.Sale{}, err
	}

	decrements := make([]domain.AdjustStockRequest, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		decrements = append(decrements, domain.AdjustStockRequest{
			ProductID:  line.ProductID,
			Delta:      -line.Quantity,
			Reason:     domain.ReasonSale,
			OperatorID: sale.OperatorID,
			SaleID:     sale.LocalID,
		})
	}
	if _, err := k.Stock.AdjustBatch(ctx, decrements); err != nil {
		return domain.Sale{}, err
	}

	saved, err := k.Sales.Save(ctx, sale)
	if err != nil {
		k.restock(ctx, sale, domain.ReasonSaleRollback, "sale not stored")
		return domain.Sale{}, err
	}
	return saved, nil
}

// CloseSession computes and stores the closure, then flips the session. A
// session left open with a closure already stored is finished on retry.
func (k *Kiosk) CloseSession(ctx context.Context, req domain.CloseSessionRequest) (domain.CloseSessionResponse, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if err := validateRequest(req); err != nil {
		return domain.CloseSessionResponse{}, err
	}
	if req.DeclaredBalance.IsNegative() {
		return domain.CloseSessionResponse{}, apperrors.Invalid("declared_balance", "must not be negative")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	session, err := k.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return domain.CloseSessionResponse{}, err
	}
	if !session.IsOpen() {
		return domain.CloseSessionResponse{}, apperrors.ErrSessionAlreadyClosed
	}

	closure, err := k.Closures.ForSession(ctx, session.LocalID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		totals, err := k.Closures.Compute(ctx, session, req.DeclaredBalance)
		if err != nil {
			return domain.CloseSessionResponse{}, err
		}
		pending := session
		if err := pending.Close(req.DeclaredBalance, k.Closures.now()); err != nil {
			return domain.CloseSessionResponse{}, err
		}
		closure, err = k.Closures.Save(ctx, pending, totals)
		if err != nil {
			return domain.CloseSessionResponse{}, err
		}
	case err != nil:
		return domain.CloseSessionResponse{}, err
	default:
		k.logger.Warn("WARN: finishing close of session with existing closure", slog.String("session_id", session.LocalID))
	}

	closed, err := k.Sessions.Close(ctx, session.LocalID, closure.DeclaredBalance)
	if err != nil {
		return domain.CloseSessionResponse{}, err
	}
	return domain.CloseSessionResponse{Session: closed, Closure: closure}, nil
}

// VoidSale requires the manager PIN, voids the sale and restocks its lines.
// Sales of a closed session cannot be voided; their closure is final.
func (k *Kiosk) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.Sale, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	if err := validateRequest(req); err != nil {
		return domain.Sale{}, err
	}
	if !k.managerPIN.Verify(req.ManagerPIN) {
		return domain.Sale{}, fmt.Errorf("%w: manager PIN rejected", apperrors.ErrUnauthorized)
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "unspecified"
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	sale, err := k.Sales.Get(ctx, req.SaleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if sale.IsVoided() {
		return domain.Sale{}, apperrors.ErrSaleVoided
	}
	session, err := k.Sessions.Get(ctx, sale.OwningSessionID)
	if err != nil {
		return domain.Sale{}, err
	}
	if !session.IsOpen() {
		return domain.Sale{}, apperrors.ErrSessionNotOpen
	}

	voided, err := k.Sales.Void(ctx, sale.LocalID, req.Reason)
	if err != nil {
		return domain.Sale{}, err
	}
	k.restock(ctx, voided, domain.ReasonSaleVoid, req.Reason)
	return voided, nil
}

func (k *Kiosk) restock(ctx context.Context, sale domain.Sale, reason domain.AdjustmentReason, note string) {
	increments := make([]domain.AdjustStockRequest, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		increments = append(increments, domain.AdjustStockRequest{
			ProductID:  line.ProductID,
			Delta:      line.Quantity,
			Reason:     reason,
			OperatorID: sale.OperatorID,
			SaleID:     sale.LocalID,
			Note:       note,
		})
	}
	if _, err := k.Stock.AdjustBatch(ctx, increments); err != nil {
		k.logger.Warn("WARN: failed to restock sale lines", slog.String("sale_id", sale.LocalID), slog.Any("error", err))
	}
}

func (k *Kiosk) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (domain.StockAdjustment, error) {
	return k.Stock.Adjust(ctx, req)
}

// RecordMovement holds the same lock as CloseSession so a movement can never
// land on a session whose closure is being computed.
func (k *Kiosk) RecordMovement(ctx context.Context, req domain.RecordMovementRequest) (domain.PendingCashMovement, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.Movements.Record(ctx, req)
}

// ManagerPIN holds the bcrypt hash of the manager PIN.
type ManagerPIN struct {
	hash []byte
}

// NewManagerPIN accepts a bcrypt hash or a plain PIN, which is hashed.
func NewManagerPIN(value string) (ManagerPIN, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ManagerPIN{}, apperrors.Invalid("manager_pin", "is required")
	}
	if isPINHash(value) {
		return ManagerPIN{hash: []byte(value)}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(value), bcrypt.DefaultCost)
	if err != nil {
		return ManagerPIN{}, err
	}
	return ManagerPIN{hash: hash}, nil
}

func (p ManagerPIN) Configured() bool { return len(p.hash) > 0 }

func (p ManagerPIN) Verify(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !p.Configured() {
		return false
	}
	return bcrypt.CompareHashAndPassword(p.hash, []byte(input)) == nil
}

func isPINHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
