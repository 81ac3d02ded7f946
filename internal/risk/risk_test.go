package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func position(side domain.PositionSide, entry, qty, remaining, leverage string) domain.Position {
	return domain.Position{
		Side:              side,
		EntryPrice:        d(entry),
		Quantity:          d(qty),
		RemainingQuantity: d(remaining),
		Leverage:          d(leverage),
		Status:            domain.PositionStatusOpen,
	}
}

func assertDecimal(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestCalculatePnL_LongGain(t *testing.T) {
	pos := position(domain.PositionSideLong, "100", "10", "10", "1")

	pnl := CalculatePnL(pos, d("110"))

	assertDecimal(t, "unrealized", pnl.UnrealizedPnL, d("100"))
	assertDecimal(t, "unrealized percent", pnl.UnrealizedPnLPercent, d("10"))
	assertDecimal(t, "total", pnl.TotalPnL, d("100"))
}

func TestCalculatePnL_ShortSignConvention(t *testing.T) {
	pos := position(domain.PositionSideShort, "100", "10", "10", "2")

	pnl := CalculatePnL(pos, d("110"))

	assertDecimal(t, "unrealized", pnl.UnrealizedPnL, d("-100"))
	assertDecimal(t, "unrealized percent", pnl.UnrealizedPnLPercent, d("-10"))
}

func TestCalculatePnL_PartialUsesOriginalBase(t *testing.T) {
	pos := position(domain.PositionSideLong, "100", "10", "6", "1")
	pos.RealizedPnL = d("80")
	pos.TotalFees = d("2.2")

	pnl := CalculatePnL(pos, d("110"))

	assertDecimal(t, "unrealized", pnl.UnrealizedPnL, d("60"))
	assertDecimal(t, "unrealized percent", pnl.UnrealizedPnLPercent, d("10"))
	assertDecimal(t, "total", pnl.TotalPnL, d("140"))
	assertDecimal(t, "total percent", pnl.TotalPnLPercent, d("14"))
	assertDecimal(t, "realized percent", pnl.RealizedPnLPercent, d("8"))
	assertDecimal(t, "net", pnl.NetPnL, d("137.8"))
}

func TestCalculatePnL_ZeroRemainingGuarded(t *testing.T) {
	pos := position(domain.PositionSideLong, "100", "10", "0", "1")
	pos.RealizedPnL = d("50")

	pnl := CalculatePnL(pos, d("130"))

	assertDecimal(t, "unrealized", pnl.UnrealizedPnL, decimal.Zero)
	assertDecimal(t, "unrealized percent", pnl.UnrealizedPnLPercent, decimal.Zero)
	assertDecimal(t, "total", pnl.TotalPnL, d("50"))
}

func TestCalculatePnL_TotalIsRealizedPlusUnrealized(t *testing.T) {
	cases := []struct {
		side      domain.PositionSide
		remaining string
		realized  string
		price     string
	}{
		{domain.PositionSideLong, "10", "0", "87.25"},
		{domain.PositionSideLong, "3.5", "-12.75", "140"},
		{domain.PositionSideShort, "7", "33.1", "91.05"},
		{domain.PositionSideShort, "0", "-5", "200"},
	}
	for _, tc := range cases {
		pos := position(tc.side, "100", "10", tc.remaining, "3")
		pos.RealizedPnL = d(tc.realized)

		pnl := CalculatePnL(pos, d(tc.price))

		assertDecimal(t, "total", pnl.TotalPnL, pnl.RealizedPnL.Add(pnl.UnrealizedPnL))
	}
}

func TestRealizedPnL(t *testing.T) {
	long := position(domain.PositionSideLong, "100", "10", "10", "1")
	assertDecimal(t, "long", RealizedPnL(long, d("4"), d("120")), d("80"))

	short := position(domain.PositionSideShort, "100", "10", "10", "1")
	assertDecimal(t, "short", RealizedPnL(short, d("4"), d("120")), d("-80"))
}

func TestLiquidationPrice(t *testing.T) {
	cases := []struct {
		name     string
		side     domain.PositionSide
		leverage string
		want     string
	}{
		{"short 5x", domain.PositionSideShort, "5", "119.5"},
		{"long 5x", domain.PositionSideLong, "5", "80.5"},
		{"long 10x", domain.PositionSideLong, "10", "90.5"},
		{"unlevered long", domain.PositionSideLong, "1", "0"},
		{"unlevered short", domain.PositionSideShort, "1", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := LiquidationPrice(tc.side, d("100"), d(tc.leverage))
			assertDecimal(t, "liquidation price", got, d(tc.want))
		})
	}
}

func TestCalculateMargin_MarginCallBand(t *testing.T) {
	pos := position(domain.PositionSideLong, "100", "10", "10", "5")
	pos.LiquidationPrice = LiquidationPrice(pos.Side, pos.EntryPrice, pos.Leverage)

	m := CalculateMargin(pos, d("103"), DefaultThresholds())

	assertDecimal(t, "margin used", m.MarginUsed, d("200"))
	assertDecimal(t, "margin available", m.MarginAvailable, d("230"))
	assertDecimal(t, "margin level", m.MarginLevel, d("115"))
	if !m.IsMarginCall {
		t.Error("expected margin call at 115%")
	}
	if m.IsLiquidationWarning {
		t.Error("did not expect liquidation warning at 115%")
	}
	if m.DistanceToLiquidation == nil {
		t.Fatal("expected distance to liquidation")
	}
}

func TestCalculateMargin_LiquidationWarning(t *testing.T) {
	pos := position(domain.PositionSideShort, "100", "10", "10", "10")

	// Margin used 100; price 100.5 loses 5 -> level 95%.
	m := CalculateMargin(pos, d("100.5"), DefaultThresholds())

	assertDecimal(t, "margin level", m.MarginLevel, d("95"))
	if !m.IsMarginCall || !m.IsLiquidationWarning {
		t.Errorf("expected both flags, got call=%v warning=%v", m.IsMarginCall, m.IsLiquidationWarning)
	}
	if m.DistanceToLiquidation != nil {
		t.Error("distance must be undefined without a liquidation price")
	}
}

func TestCalculateMargin_Distance(t *testing.T) {
	pos := position(domain.PositionSideLong, "100", "10", "10", "5")
	pos.LiquidationPrice = d("80.5")

	m := CalculateMargin(pos, d("100"), DefaultThresholds())

	assertDecimal(t, "distance", *m.DistanceToLiquidation, d("19.5"))
	assertDecimal(t, "margin level", m.MarginLevel, d("100"))
}

func TestCalculateMargin_NoExposure(t *testing.T) {
	pos := position(domain.PositionSideLong, "100", "10", "0", "5")

	m := CalculateMargin(pos, d("90"), DefaultThresholds())

	assertDecimal(t, "margin level", m.MarginLevel, decimal.Zero)
	if m.IsMarginCall || m.IsLiquidationWarning {
		t.Error("flat position must not raise margin flags")
	}
}

func TestStopLossHit(t *testing.T) {
	cases := []struct {
		name  string
		side  domain.PositionSide
		stop  *decimal.Decimal
		price string
		want  bool
	}{
		{"long at boundary", domain.PositionSideLong, dp("95"), "95", true},
		{"long below", domain.PositionSideLong, dp("95"), "94", true},
		{"long above", domain.PositionSideLong, dp("95"), "96", false},
		{"short at boundary", domain.PositionSideShort, dp("105"), "105", true},
		{"short below", domain.PositionSideShort, dp("105"), "104", false},
		{"unset", domain.PositionSideLong, nil, "1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := position(tc.side, "100", "1", "1", "1")
			pos.StopLoss = tc.stop
			if got := StopLossHit(pos, d(tc.price)); got != tc.want {
				t.Errorf("StopLossHit = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTakeProfitHit(t *testing.T) {
	cases := []struct {
		name  string
		side  domain.PositionSide
		tp    *decimal.Decimal
		price string
		want  bool
	}{
		{"long at target", domain.PositionSideLong, dp("120"), "120", true},
		{"long short of target", domain.PositionSideLong, dp("120"), "119.99", false},
		{"short at target", domain.PositionSideShort, dp("80"), "80", true},
		{"short above target", domain.PositionSideShort, dp("80"), "81", false},
		{"unset", domain.PositionSideShort, nil, "1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := position(tc.side, "100", "1", "1", "1")
			pos.TakeProfit = tc.tp
			if got := TakeProfitHit(pos, d(tc.price)); got != tc.want {
				t.Errorf("TakeProfitHit = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTrailingStop_LongNeverLoosens(t *testing.T) {
	pos := position(domain.PositionSideLong, "100", "1", "1", "1")
	pos.TrailingStop = dp("5")

	steps := []struct {
		price string
		want  string
		moved bool
	}{
		{"100", "95", true},
		{"90", "95", false},
		{"110", "104.5", true},
		{"105", "104.5", false},
	}
	for _, s := range steps {
		stop, moved := TrailingStop(pos, d(s.price))
		if moved != s.moved {
			t.Errorf("price %s: moved = %v, want %v", s.price, moved, s.moved)
		}
		assertDecimal(t, "stop at "+s.price, stop, d(s.want))
		if pos.StopLoss != nil && stop.LessThan(*pos.StopLoss) {
			t.Fatalf("stop loosened from %s to %s", pos.StopLoss, stop)
		}
		pos.StopLoss = &stop
	}
}

func TestTrailingStop_ShortNeverLoosens(t *testing.T) {
	pos := position(domain.PositionSideShort, "100", "1", "1", "1")
	pos.TrailingStop = dp("5")

	steps := []struct {
		price string
		want  string
	}{
		{"100", "105"},
		{"110", "105"},
		{"90", "94.5"},
	}
	for _, s := range steps {
		stop, _ := TrailingStop(pos, d(s.price))
		assertDecimal(t, "stop at "+s.price, stop, d(s.want))
		if pos.StopLoss != nil && stop.GreaterThan(*pos.StopLoss) {
			t.Fatalf("stop loosened from %s to %s", pos.StopLoss, stop)
		}
		pos.StopLoss = &stop
	}
}

func TestTrailingStop_ActivationAndUnset(t *testing.T) {
	pos := position(domain.PositionSideLong, "100", "1", "1", "1")
	pos.StopLoss = dp("90")

	if _, moved := TrailingStop(pos, d("150")); moved {
		t.Error("ratchet must be a no-op without a trailing percent")
	}

	pos.TrailingStop = dp("2")
	pos.TrailingStopActivationPrice = dp("105")
	if stop, moved := TrailingStop(pos, d("104")); moved || !stop.Equal(d("90")) {
		t.Errorf("ratchet moved before activation: %s", stop)
	}
	if stop, moved := TrailingStop(pos, d("105")); !moved || !stop.Equal(d("102.9")) {
		t.Errorf("ratchet at activation = %s moved=%v, want 102.9", stop, moved)
	}
}
