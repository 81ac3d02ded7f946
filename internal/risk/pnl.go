// Package risk holds the pure calculators of the position engine: P&L,
// margin, liquidation price and stop/take-profit/trailing-stop triggers.
// Nothing here touches storage or mutates its inputs.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// PnL is the value object returned by CalculatePnL.
type PnL struct {
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	RealizedPnL          decimal.Decimal `json:"realized_pnl"`
	RealizedPnLPercent   decimal.Decimal `json:"realized_pnl_percent"`
	TotalPnL             decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent      decimal.Decimal `json:"total_pnl_percent"`
	TotalFees            decimal.Decimal `json:"total_fees"`
	NetPnL               decimal.Decimal `json:"net_pnl"`
}

// UnrealizedPnL marks the remaining quantity of pos to price.
func UnrealizedPnL(pos domain.Position, price decimal.Decimal) decimal.Decimal {
	return price.Sub(pos.EntryPrice).Mul(pos.RemainingQuantity).Mul(pos.Side.Direction())
}

// RealizedPnL is the P&L locked in by closing qty at exitPrice. It must be
// evaluated against the pre-close state of pos.
func RealizedPnL(pos domain.Position, qty, exitPrice decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(pos.EntryPrice).Mul(qty).Mul(pos.Side.Direction())
}

// CalculatePnL computes the full P&L picture of pos at price. Stored realized
// P&L and fees are taken from pos as-is.
func CalculatePnL(pos domain.Position, price decimal.Decimal) PnL {
	unrealized := UnrealizedPnL(pos, price)
	total := pos.RealizedPnL.Add(unrealized)

	// Percent of total normalises by the original quantity so partial closes
	// keep the same base.
	originalBasis := pos.EntryPrice.Mul(pos.Quantity)

	return PnL{
		UnrealizedPnL:        unrealized,
		UnrealizedPnLPercent: percentOf(unrealized, pos.EntryPrice.Mul(pos.RemainingQuantity)),
		RealizedPnL:          pos.RealizedPnL,
		RealizedPnLPercent:   percentOf(pos.RealizedPnL, originalBasis),
		TotalPnL:             total,
		TotalPnLPercent:      percentOf(total, originalBasis),
		TotalFees:            pos.TotalFees,
		NetPnL:               total.Sub(pos.TotalFees),
	}
}

// ApplyPnL writes the result of CalculatePnL at price back onto pos.
func ApplyPnL(pos *domain.Position, price decimal.Decimal) {
	pnl := CalculatePnL(*pos, price)
	pos.UnrealizedPnL = pnl.UnrealizedPnL
	pos.UnrealizedPnLPercent = pnl.UnrealizedPnLPercent
	pos.RealizedPnLPercent = pnl.RealizedPnLPercent
	pos.TotalPnL = pnl.TotalPnL
	pos.TotalPnLPercent = pnl.TotalPnLPercent
}

// percentOf returns v / base * 100, or zero when base is zero.
func percentOf(v, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return v.Div(base).Mul(hundred)
}
