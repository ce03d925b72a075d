package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/xid"
)

type EntityType string

const (
	EntitySession  EntityType = "session"
	EntitySale     EntityType = "sale"
	EntityClosure  EntityType = "closure"
	EntityStock    EntityType = "stock_adjustment"
	EntityMovement EntityType = "cash_movement"
)

// Actor is the operator currently signed in on the kiosk.
type Actor struct {
	OperatorID string
	Role       string
}

// Meta is shared by every locally created, synchronizable record.
type Meta struct {
	LocalID   string    `json:"local_id"`
	CreatedAt time.Time `json:"created_at"`
	Sync      SyncState `json:"sync"`
}

// Base exposes the embedded Meta of any entity for sync bookkeeping.
func (m *Meta) Base() *Meta { return m }

func (m Meta) IsSyncPending() bool { return m.Sync.IsPending() }

func NewMeta(prefix string, now time.Time) Meta {
	return Meta{
		LocalID:   xid.New(prefix),
		CreatedAt: now.UTC(),
		Sync:      PendingSync(),
	}
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

type CashSession struct {
	Meta
	OperatorID     string           `json:"operator_id"`
	TerminalID     string           `json:"terminal_id,omitempty"`
	OpeningBalance decimal.Decimal  `json:"opening_balance"`
	Status         SessionStatus    `json:"status"`
	OpenedAt       time.Time        `json:"opened_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	ClosingBalance *decimal.Decimal `json:"closing_balance,omitempty"`
}

func (s CashSession) IsOpen() bool { return s.Status == SessionOpen }

// Close flips the session to closed exactly once.
func (s *CashSession) Close(closingBalance decimal.Decimal, at time.Time) error {
	if s.Status == SessionClosed {
		return apperrors.ErrSessionAlreadyClosed
	}
	at = at.UTC()
	balance := closingBalance.Round(2)
	s.Status = SessionClosed
	s.ClosedAt = &at
	s.ClosingBalance = &balance
	return nil
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer:
		return true
	default:
		return false
	}
}

type SaleStatus string

const (
	SaleCompleted SaleStatus = "completed"
	SaleVoided    SaleStatus = "voided"
)

type SaleLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

func (l SaleLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l SaleLine) Margin() decimal.Decimal {
	return l.UnitPrice.Sub(l.UnitCost).Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Sale struct {
	Meta
	OwningSessionID string          `json:"owning_session_id"`
	OperatorID      string          `json:"operator_id"`
	Lines           []SaleLine      `json:"lines"`
	Total           decimal.Decimal `json:"total"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	Status          SaleStatus      `json:"status"`
	VoidReason      string          `json:"void_reason,omitempty"`
	VoidedAt        *time.Time      `json:"voided_at,omitempty"`
}

func (s Sale) IsVoided() bool { return s.Status == SaleVoided }

func SaleTotal(lines []SaleLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Subtotal())
	}
	return total.Round(2)
}

// ClosureTotals is always derived from stored sales and movements of one session.
type ClosureTotals struct {
	SaleCount          int             `json:"sale_count"`
	VoidedCount        int             `json:"voided_count"`
	TotalCash          decimal.Decimal `json:"total_cash"`
	TotalCard          decimal.Decimal `json:"total_card"`
	TotalTransfer      decimal.Decimal `json:"total_transfer"`
	GrossSales         decimal.Decimal `json:"gross_sales"`
	GrossMargin        decimal.Decimal `json:"gross_margin"`
	Deposits           decimal.Decimal `json:"deposits"`
	Withdrawals        decimal.Decimal `json:"withdrawals"`
	PendingPayments    decimal.Decimal `json:"pending_payments"`
	OpeningBalance     decimal.Decimal `json:"opening_balance"`
	TheoreticalBalance decimal.Decimal `json:"theoretical_balance"`
	DeclaredBalance    decimal.Decimal `json:"declared_balance"`
	Variance           decimal.Decimal `json:"variance"`
}

func (t ClosureTotals) TotalFor(method PaymentMethod) decimal.Decimal {
	switch method {
	case PaymentCash:
		return t.TotalCash
	case PaymentCard:
		return t.TotalCard
	case PaymentTransfer:
		return t.TotalTransfer
	default:
		return decimal.Zero
	}
}

type CashClosure struct {
	Meta
	OwningSessionID string    `json:"owning_session_id"`
	OperatorID      string    `json:"operator_id"`
	ClosedAt        time.Time `json:"closed_at"`
	ClosureTotals
}

// Product is the local stock record of one catalog item.
type Product struct {
	ProductID        string          `json:"product_id"`
	Name             string          `json:"name"`
	Quantity         int             `json:"quantity"`
	ReorderThreshold int             `json:"reorder_threshold"`
	Active           bool            `json:"active"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Apply adds delta to the quantity. A delta that would drive the quantity
// below zero fails and leaves the product untouched.
func (p *Product) Apply(delta int) error {
	next := p.Quantity + delta
	if next < 0 {
		return fmt.Errorf("%w: product %s has %d, requested %d", apperrors.ErrInsufficientStock, p.ProductID, p.Quantity, -delta)
	}
	p.Quantity = next
	return nil
}

func (p Product) BelowReorder() bool {
	return p.Active && p.Quantity <= p.ReorderThreshold
}

type AdjustmentReason string

const (
	ReasonSale            AdjustmentReason = "sale"
	ReasonSaleVoid        AdjustmentReason = "sale_void"
	ReasonSaleRollback    AdjustmentReason = "sale_rollback"
	ReasonRestock         AdjustmentReason = "restock"
	ReasonDamage          AdjustmentReason = "damage"
	ReasonCountCorrection AdjustmentReason = "count_correction"
	ReasonManual          AdjustmentReason = "manual"
)

func (r AdjustmentReason) Valid() bool {
	switch r {
	case ReasonSale, ReasonSaleVoid, ReasonSaleRollback, ReasonRestock, ReasonDamage, ReasonCountCorrection, ReasonManual:
		return true
	default:
		return false
	}
}

type StockAdjustment struct {
	Meta
	ProductID         string           `json:"product_id"`
	Delta             int              `json:"delta"`
	Reason            AdjustmentReason `json:"reason"`
	SaleID            string           `json:"sale_id,omitempty"`
	OperatorID        string           `json:"operator_id,omitempty"`
	Note              string           `json:"note,omitempty"`
	ResultingQuantity int              `json:"resulting_quantity"`
}

type MovementType string

const (
	MovementWithdrawal     MovementType = "withdrawal"
	MovementDeposit        MovementType = "deposit"
	MovementPendingPayment MovementType = "pending-payment"
)

func (m MovementType) Valid() bool {
	switch m {
	case MovementWithdrawal, MovementDeposit, MovementPendingPayment:
		return true
	default:
		return false
	}
}

type PendingCashMovement struct {
	Meta
	Type            MovementType    `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	OwningSessionID string          `json:"owning_session_id"`
	OperatorID      string          `json:"operator_id"`
	Note            string          `json:"note,omitempty"`
}

// IDMapping correlates a device id with the id the server assigned.
type IDMapping struct {
	EntityType EntityType `json:"entity_type"`
	LocalID    string     `json:"local_id"`
	ServerID   string     `json:"server_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// StatusSnapshot is what the orchestrator publishes for the UI.
type StatusSnapshot struct {
	IsOnline           bool               `json:"is_online"`
	IsSyncing          bool               `json:"is_syncing"`
	PendingCounts      map[EntityType]int `json:"pending_counts"`
	LastSuccessfulSync *time.Time         `json:"last_successful_sync,omitempty"`
	LastPassState      string             `json:"last_pass_state,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}
