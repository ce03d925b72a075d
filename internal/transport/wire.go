package transport

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wire payloads exchanged with the server. Every create carries client_ref
// (the device local id) so duplicate detection on the server is exact.

type Created struct {
	ID string `json:"id"`
}

type List[T any] struct {
	Items []T `json:"items"`
}

type SessionPayload struct {
	ClientRef      string          `json:"client_ref"`
	OperatorID     string          `json:"operator_id"`
	TerminalID     string          `json:"terminal_id,omitempty"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	OpenedAt       time.Time       `json:"opened_at"`
}

type SessionClosePayload struct {
	Status         string          `json:"status"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	ClosedAt       time.Time       `json:"closed_at"`
}

type ServerSession struct {
	ID             string           `json:"id"`
	ClientRef      string           `json:"client_ref,omitempty"`
	OperatorID     string           `json:"operator_id"`
	Status         string           `json:"status"`
	OpeningBalance decimal.Decimal  `json:"opening_balance"`
	OpenedAt       time.Time        `json:"opened_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	ClosingBalance *decimal.Decimal `json:"closing_balance,omitempty"`
}

type ClosurePayload struct {
	ClientRef          string          `json:"client_ref"`
	SessionID          string          `json:"session_id"`
	OperatorID         string          `json:"operator_id"`
	ClosedAt           time.Time       `json:"closed_at"`
	SaleCount          int             `json:"sale_count"`
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

type ServerClosure struct {
	ID        string `json:"id"`
	ClientRef string `json:"client_ref,omitempty"`
	SessionID string `json:"session_id"`
}

type StockAdjustmentPayload struct {
	ClientRef  string    `json:"client_ref"`
	ProductID  string    `json:"product_id"`
	Delta      int       `json:"delta"`
	Reason     string    `json:"reason"`
	Note       string    `json:"note,omitempty"`
	OperatorID string    `json:"operator_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ServerStockAdjustment struct {
	ID        string `json:"id"`
	ClientRef string `json:"client_ref,omitempty"`
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
}

type MovementPayload struct {
	ClientRef  string          `json:"client_ref"`
	SessionID  string          `json:"session_id"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Note       string          `json:"note,omitempty"`
	OperatorID string          `json:"operator_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ServerMovement struct {
	ID        string `json:"id"`
	ClientRef string `json:"client_ref,omitempty"`
	SessionID string `json:"session_id"`
}

type ErrorBody struct {
	Error string `json:"error"`
}
