package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryAction names the mutating action a history entry records.
type HistoryAction string

const (
	HistoryActionOpen         HistoryAction = "open"
	HistoryActionUpdate       HistoryAction = "update"
	HistoryActionPartialClose HistoryAction = "partial_close"
	HistoryActionClose        HistoryAction = "close"
	HistoryActionLiquidate    HistoryAction = "liquidate"
)

// Valid reports whether a is a known action.
func (a HistoryAction) Valid() bool {
	switch a {
	case HistoryActionOpen, HistoryActionUpdate, HistoryActionPartialClose,
		HistoryActionClose, HistoryActionLiquidate:
		return true
	}
	return false
}

// FieldChange is one {from,to} pair of an update change-set.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// HistoryEntry is an append-only snapshot taken at the moment of a mutating
// action. It is never updated or deleted independently of its position.
type HistoryEntry struct {
	ID                string          `json:"id"`
	PositionID        string          `json:"position_id"`
	UserID            string          `json:"user_id"`
	TenantID          string          `json:"tenant_id"`
	Action            HistoryAction   `json:"action"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
	Changes           map[string]any  `json:"changes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
