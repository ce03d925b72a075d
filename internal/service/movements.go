package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
)

type MovementController struct {
	ledger[domain.PendingCashMovement, *domain.PendingCashMovement]
	sessions *SessionController
	logger   *slog.Logger
}

func NewMovementController(s store.Store, sessions *SessionController, logger *slog.Logger) *MovementController {
	return &MovementController{
		ledger:   newLedger[domain.PendingCashMovement](s, store.CashMovements, &sync.Mutex{}),
		sessions: sessions,
		logger:   componentLogger(logger, "movements"),
	}
}

// Record stores a cash movement against an open session.
func (c *MovementController) Record(ctx context.Context, req domain.RecordMovementRequest) (domain.PendingCashMovement, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.OperatorID = operatorFor(ctx, req.OperatorID)
	if err := validateRequest(req); err != nil {
		return domain.PendingCashMovement{}, err
	}
	if !req.Amount.IsPositive() {
		return domain.PendingCashMovement{}, apperrors.Invalid("amount", "must be greater than 0")
	}

	session, err := c.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return domain.PendingCashMovement{}, err
	}
	if !session.IsOpen() {
		return domain.PendingCashMovement{}, apperrors.ErrSessionNotOpen
	}
	if req.OperatorID == "" {
		req.OperatorID = session.OperatorID
	}

	movement := domain.PendingCashMovement{
		Meta:            domain.NewMeta("mov", c.now()),
		Type:            req.Type,
		Amount:          req.Amount.Round(2),
		OwningSessionID: session.LocalID,
		OperatorID:      req.OperatorID,
		Note:            strings.TrimSpace(req.Note),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := store.Save(ctx, c.store, store.CashMovements, movement); err != nil {
		return domain.PendingCashMovement{}, err
	}
	c.logger.Info("cash movement recorded",
		slog.String("movement_id", movement.LocalID),
		slog.String("type", string(movement.Type)),
		slog.String("amount", movement.Amount.StringFixed(2)),
	)
	return movement, nil
}

func (c *MovementController) Get(ctx context.Context, localID string) (domain.PendingCashMovement, error) {
	return c.get(ctx, localID)
}

func (c *MovementController) ListBySession(ctx context.Context, sessionLocalID string) ([]domain.PendingCashMovement, error) {
	return store.LoadByIndex[domain.PendingCashMovement](ctx, c.store, store.CashMovements, store.IndexOwningSession, sessionLocalID)
}
