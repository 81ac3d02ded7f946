package risk

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// StopLossHit reports whether price has reached the stop-loss of pos. The
// boundary is inclusive; an unset stop never triggers.
func StopLossHit(pos domain.Position, price decimal.Decimal) bool {
	if pos.StopLoss == nil {
		return false
	}
	if pos.Side == domain.PositionSideShort {
		return price.GreaterThanOrEqual(*pos.StopLoss)
	}
	return price.LessThanOrEqual(*pos.StopLoss)
}

// TakeProfitHit reports whether price has reached the take-profit of pos.
func TakeProfitHit(pos domain.Position, price decimal.Decimal) bool {
	if pos.TakeProfit == nil {
		return false
	}
	if pos.Side == domain.PositionSideShort {
		return price.LessThanOrEqual(*pos.TakeProfit)
	}
	return price.GreaterThanOrEqual(*pos.TakeProfit)
}

// TrailingStop returns the ratcheted stop-loss for pos at price and whether
// it moved. The candidate is price*(1-pct/100) for longs and price*(1+pct/100)
// for shorts; it replaces the current stop only when strictly tighter, so the
// stop never loosens. When an activation price is set the ratchet stays idle
// until price reaches it.
func TrailingStop(pos domain.Position, price decimal.Decimal) (decimal.Decimal, bool) {
	var current decimal.Decimal
	if pos.StopLoss != nil {
		current = *pos.StopLoss
	}
	if pos.TrailingStop == nil || !pos.TrailingStop.IsPositive() {
		return current, false
	}

	long := pos.Side != domain.PositionSideShort
	if act := pos.TrailingStopActivationPrice; act != nil {
		if long && price.LessThan(*act) {
			return current, false
		}
		if !long && price.GreaterThan(*act) {
			return current, false
		}
	}

	offset := pos.TrailingStop.Div(hundred)
	one := decimal.NewFromInt(1)
	if long {
		candidate := price.Mul(one.Sub(offset))
		if pos.StopLoss == nil || candidate.GreaterThan(current) {
			return candidate, true
		}
		return current, false
	}
	candidate := price.Mul(one.Add(offset))
	if pos.StopLoss == nil || candidate.LessThan(current) {
		return candidate, true
	}
	return current, false
}
