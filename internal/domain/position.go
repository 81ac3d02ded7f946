package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide fixes the sign convention of every P&L, margin and
// liquidation formula.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Valid reports whether s is a known side.
func (s PositionSide) Valid() bool {
	return s == PositionSideLong || s == PositionSideShort
}

// Direction returns +1 for long and -1 for short.
func (s PositionSide) Direction() decimal.Decimal {
	if s == PositionSideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionType is the instrument class the position is held in.
type PositionType string

const (
	PositionTypeSpot      PositionType = "spot"
	PositionTypeMargin    PositionType = "margin"
	PositionTypeFutures   PositionType = "futures"
	PositionTypePerpetual PositionType = "perpetual"
)

// Valid reports whether t is a known position type.
func (t PositionType) Valid() bool {
	switch t {
	case PositionTypeSpot, PositionTypeMargin, PositionTypeFutures, PositionTypePerpetual:
		return true
	}
	return false
}

// MarginType is the collateral regime backing a leveraged position.
type MarginType string

const (
	MarginTypeCross    MarginType = "cross"
	MarginTypeIsolated MarginType = "isolated"
)

// Valid reports whether m is a known margin type.
func (m MarginType) Valid() bool {
	return m == MarginTypeCross || m == MarginTypeIsolated
}

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusPartial    PositionStatus = "partial"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

// Terminal reports whether no further price or risk mutation is allowed.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusLiquidated
}

// Live reports whether the position still carries exposure.
func (s PositionStatus) Live() bool {
	return s == PositionStatusOpen || s == PositionStatusPartial
}

// Position represents an open or historical leveraged or spot exposure to a
// trading instrument.
type Position struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`

	ExchangeID string       `json:"exchange_id"`
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Type       PositionType `json:"type"`

	EntryPrice        decimal.Decimal `json:"entry_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	Quantity          decimal.Decimal `json:"quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`

	Leverage   decimal.Decimal `json:"leverage"`
	MarginType MarginType      `json:"margin_type"`
	MarginUsed decimal.Decimal `json:"margin_used"`

	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	RealizedPnL          decimal.Decimal `json:"realized_pnl"`
	RealizedPnLPercent   decimal.Decimal `json:"realized_pnl_percent"`
	TotalPnL             decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent      decimal.Decimal `json:"total_pnl_percent"`

	EntryFee   decimal.Decimal `json:"entry_fee"`
	ExitFee    decimal.Decimal `json:"exit_fee"`
	FundingFee decimal.Decimal `json:"funding_fee"`
	TotalFees  decimal.Decimal `json:"total_fees"`

	StopLoss                    *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit                  *decimal.Decimal `json:"take_profit,omitempty"`
	TrailingStop                *decimal.Decimal `json:"trailing_stop,omitempty"` // percent
	TrailingStopActivationPrice *decimal.Decimal `json:"trailing_stop_activation_price,omitempty"`
	LiquidationPrice            decimal.Decimal  `json:"liquidation_price"` // zero when undefined

	HighestPrice decimal.Decimal `json:"highest_price"`
	LowestPrice  decimal.Decimal `json:"lowest_price"`

	Status     PositionStatus   `json:"status"`
	ExitPrice  *decimal.Decimal `json:"exit_price,omitempty"`
	ExitReason string           `json:"exit_reason,omitempty"`
	ClosedAt   *time.Time       `json:"closed_at,omitempty"`

	OrderID    string   `json:"order_id,omitempty"`
	StrategyID string   `json:"strategy_id,omitempty"`
	BotID      string   `json:"bot_id,omitempty"`
	SignalID   string   `json:"signal_id,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increments on every persisted mutation and backs the store's
	// compare-and-set.
	Version int64 `json:"version"`
}

// RecomputeFees refreshes TotalFees from the individual accumulators.
func (p *Position) RecomputeFees() {
	p.TotalFees = p.EntryFee.Add(p.ExitFee).Add(p.FundingFee)
}

// PositionFilter narrows List queries. Zero values are ignored.
type PositionFilter struct {
	UserID     string
	TenantID   string
	Statuses   []PositionStatus
	ExchangeID string
	Symbol     string
	Side       PositionSide
	StrategyID string
	Limit      int
	Offset     int
}

// Owner identifies the (user, tenant) pair every call is scoped to.
type Owner struct {
	UserID   string
	TenantID string
}
