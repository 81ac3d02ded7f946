package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Summary is the per-(user, tenant) portfolio rollup. It is a derived cache,
// always rebuilt from the full position set.
type Summary struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`

	TotalPositions  int `json:"total_positions"`
	OpenPositions   int `json:"open_positions"`
	ClosedPositions int `json:"closed_positions"`

	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	TotalRealizedPnL   decimal.Decimal `json:"total_realized_pnl"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	TotalFees          decimal.Decimal `json:"total_fees"`
	TotalMarginUsed    decimal.Decimal `json:"total_margin_used"`

	WinningPositions int             `json:"winning_positions"`
	LosingPositions  int             `json:"losing_positions"`
	WinRate          decimal.Decimal `json:"win_rate"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Statistics is derived on demand from terminal positions.
type Statistics struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`

	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       decimal.Decimal `json:"win_rate"`

	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	AverageWin       decimal.Decimal `json:"average_win"`
	AverageLoss      decimal.Decimal `json:"average_loss"`
	LargestWin       decimal.Decimal `json:"largest_win"`
	LargestLoss      decimal.Decimal `json:"largest_loss"`
	ProfitFactor     decimal.Decimal `json:"profit_factor"`

	AverageHoldingTime  time.Duration `json:"average_holding_time"`
	LongestHoldingTime  time.Duration `json:"longest_holding_time"`
	ShortestHoldingTime time.Duration `json:"shortest_holding_time"`
}
