package domain

import "github.com/shopspring/decimal"

type OpenSessionRequest struct {
	OperatorID     string          `json:"operator_id" validate:"required"`
	TerminalID     string          `json:"terminal_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type CloseSessionRequest struct {
	SessionID       string          `json:"session_id" validate:"required"`
	DeclaredBalance decimal.Decimal `json:"declared_balance"`
}

type SaleLineInput struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity" validate:"gt=0"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	UnitCost  *decimal.Decimal `json:"unit_cost,omitempty"`
}

type RecordSaleRequest struct {
	SessionID     string          `json:"session_id" validate:"required"`
	OperatorID    string          `json:"operator_id"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"required,oneof=cash card transfer"`
	Lines         []SaleLineInput `json:"lines" validate:"required,min=1,dive"`
}

type VoidSaleRequest struct {
	SaleID     string `json:"sale_id" validate:"required"`
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin" validate:"required"`
}

type AdjustStockRequest struct {
	ProductID  string           `json:"product_id" validate:"required"`
	Delta      int              `json:"delta" validate:"ne=0"`
	Reason     AdjustmentReason `json:"reason" validate:"required"`
	OperatorID string           `json:"operator_id"`
	Note       string           `json:"note"`
	SaleID     string           `json:"sale_id,omitempty"`
}

type RecordMovementRequest struct {
	SessionID  string          `json:"session_id" validate:"required"`
	Type       MovementType    `json:"type" validate:"required,oneof=withdrawal deposit pending-payment"`
	Amount     decimal.Decimal `json:"amount"`
	OperatorID string          `json:"operator_id"`
	Note       string          `json:"note"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type CloseSessionResponse struct {
	Session CashSession `json:"session"`
	Closure CashClosure `json:"closure"`
}
