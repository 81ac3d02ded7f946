package risk

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// MaintenanceMargin is the maintenance margin rate used by LiquidationPrice.
var MaintenanceMargin = decimal.RequireFromString("0.005")

// Thresholds are the margin-level percentages below which a position is in
// margin-call or liquidation-warning range.
type Thresholds struct {
	MarginCall         decimal.Decimal
	LiquidationWarning decimal.Decimal
}

// DefaultThresholds returns the 120% / 105% pair.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MarginCall:         decimal.NewFromInt(120),
		LiquidationWarning: decimal.NewFromInt(105),
	}
}

// Margin is the value object returned by CalculateMargin.
type Margin struct {
	MarginUsed           decimal.Decimal `json:"margin_used"`
	MarginAvailable      decimal.Decimal `json:"margin_available"`
	MarginLevel          decimal.Decimal `json:"margin_level"`
	IsMarginCall         bool            `json:"is_margin_call"`
	IsLiquidationWarning bool            `json:"is_liquidation_warning"`
	LiquidationPrice     decimal.Decimal `json:"liquidation_price"`
	// DistanceToLiquidation is nil when the liquidation price is undefined.
	DistanceToLiquidation *decimal.Decimal `json:"distance_to_liquidation,omitempty"`
}

// MarginUsed is the collateral backing qty at entry under leverage. A
// leverage below one is treated as one.
func MarginUsed(qty, entry, leverage decimal.Decimal) decimal.Decimal {
	if leverage.LessThan(decimal.NewFromInt(1)) {
		leverage = decimal.NewFromInt(1)
	}
	return qty.Mul(entry).Div(leverage)
}

// CalculateMargin evaluates margin utilisation of pos at price.
func CalculateMargin(pos domain.Position, price decimal.Decimal, th Thresholds) Margin {
	used := MarginUsed(pos.RemainingQuantity, pos.EntryPrice, pos.Leverage)
	available := used.Add(UnrealizedPnL(pos, price))

	m := Margin{
		MarginUsed:       used,
		MarginAvailable:  available,
		LiquidationPrice: pos.LiquidationPrice,
	}
	if !used.IsZero() {
		m.MarginLevel = available.Div(used).Mul(hundred)
		m.IsMarginCall = m.MarginLevel.LessThan(th.MarginCall)
		m.IsLiquidationWarning = m.MarginLevel.LessThan(th.LiquidationWarning)
	}
	if pos.LiquidationPrice.IsPositive() && !price.IsZero() {
		d := price.Sub(pos.LiquidationPrice).Abs().Div(price).Mul(hundred)
		m.DistanceToLiquidation = &d
	}
	return m
}

// LiquidationPrice is a simplified single-factor approximation: it ignores
// funding carry and any realized P&L offset, so it is not exchange-exact.
// It returns zero when leverage is at most one.
//
//	long:  entry * (1 - 1/leverage + maintenance)
//	short: entry * (1 + 1/leverage - maintenance)
func LiquidationPrice(side domain.PositionSide, entry, leverage decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if leverage.LessThanOrEqual(one) {
		return decimal.Zero
	}
	inv := one.Div(leverage)
	if side == domain.PositionSideShort {
		return entry.Mul(one.Add(inv).Sub(MaintenanceMargin))
	}
	return entry.Mul(one.Sub(inv).Add(MaintenanceMargin))
}
