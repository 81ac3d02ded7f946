package service

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func assertDecimal(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func longRequest() CreateRequest {
	return CreateRequest{
		UserID:     "user-1",
		TenantID:   "tenant-1",
		ExchangeID: "binance",
		Symbol:     "BTCUSDT",
		Side:       domain.PositionSideLong,
		Type:       domain.PositionTypePerpetual,
		EntryPrice: d("100"),
		Quantity:   d("10"),
		Leverage:   dp("1"),
	}
}

func mustCreate(t *testing.T, h *harness, req CreateRequest) domain.Position {
	t.Helper()
	pos, err := h.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return pos
}

func TestCreate_OpensPosition(t *testing.T) {
	h := newHarness()

	pos := mustCreate(t, h, longRequest())

	if pos.Status != domain.PositionStatusOpen {
		t.Errorf("status = %s, want open", pos.Status)
	}
	assertDecimal(t, "remaining", pos.RemainingQuantity, d("10"))
	assertDecimal(t, "margin used", pos.MarginUsed, d("1000"))
	assertDecimal(t, "liquidation price", pos.LiquidationPrice, decimal.Zero)
	assertDecimal(t, "highest", pos.HighestPrice, d("100"))
	assertDecimal(t, "lowest", pos.LowestPrice, d("100"))
	if pos.MarginType != domain.MarginTypeCross {
		t.Errorf("margin type = %s, want cross default", pos.MarginType)
	}
	if got := h.history.actions(pos.ID); !slices.Equal(got, []domain.HistoryAction{domain.HistoryActionOpen}) {
		t.Errorf("history = %v, want [open]", got)
	}
	sum, err := h.summarySvc.Get(context.Background(), "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("summary not recomputed: %v", err)
	}
	if sum.OpenPositions != 1 {
		t.Errorf("summary open = %d, want 1", sum.OpenPositions)
	}
	if len(h.publisher.events) != 1 || h.publisher.events[0].Type != "position.open" {
		t.Errorf("events = %+v, want one position.open", h.publisher.events)
	}
}

func TestCreate_LeveragedShortLiquidationPrice(t *testing.T) {
	h := newHarness()
	req := longRequest()
	req.Side = domain.PositionSideShort
	req.Leverage = dp("5")

	pos := mustCreate(t, h, req)

	assertDecimal(t, "liquidation price", pos.LiquidationPrice, d("119.5"))
	assertDecimal(t, "margin used", pos.MarginUsed, d("200"))
}

func TestCreate_DefaultsLeverageToOne(t *testing.T) {
	h := newHarness()
	req := longRequest()
	req.Leverage = nil

	pos := mustCreate(t, h, req)

	assertDecimal(t, "leverage", pos.Leverage, d("1"))
}

func TestCreate_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"zero quantity", func(r *CreateRequest) { r.Quantity = decimal.Zero }},
		{"negative quantity", func(r *CreateRequest) { r.Quantity = d("-1") }},
		{"leverage above cap", func(r *CreateRequest) { r.Leverage = dp("126") }},
		{"leverage below one", func(r *CreateRequest) { r.Leverage = dp("0.5") }},
		{"leverage zero", func(r *CreateRequest) { r.Leverage = dp("0") }},
		{"missing exchange", func(r *CreateRequest) { r.ExchangeID = "" }},
		{"missing symbol", func(r *CreateRequest) { r.Symbol = " " }},
		{"bad side", func(r *CreateRequest) { r.Side = "flat" }},
		{"bad type", func(r *CreateRequest) { r.Type = "option" }},
		{"levered spot", func(r *CreateRequest) { r.Type = domain.PositionTypeSpot; r.Leverage = dp("2") }},
		{"zero entry", func(r *CreateRequest) { r.EntryPrice = decimal.Zero }},
		{"trailing percent 100", func(r *CreateRequest) { r.TrailingStop = dp("100") }},
		{"missing tenant", func(r *CreateRequest) { r.TenantID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			req := longRequest()
			tc.mutate(&req)

			_, err := h.svc.Create(context.Background(), req)

			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if len(h.positions.positions) != 0 {
				t.Error("invalid request must not be persisted")
			}
		})
	}
}

func TestCreate_StorageFailureSurfaces(t *testing.T) {
	h := newHarness()
	h.positions.createErr = domain.NewStorageError("insert position", errBoom)

	_, err := h.svc.Create(context.Background(), longRequest())

	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if !errors.Is(err, errBoom) {
		t.Error("driver error must stay reachable")
	}
	if len(h.history.entries) != 0 {
		t.Error("no history for a failed create")
	}
}

func TestGet_NotFound(t *testing.T) {
	h := newHarness()

	_, err := h.svc.Get(context.Background(), "missing")

	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClose_Partial(t *testing.T) {
	h := newHarness()
	pos := mustCreate(t, h, longRequest())

	got, err := h.svc.Close(context.Background(), pos.ID, CloseRequest{Quantity: dp("4"), ExitPrice: d("120")})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	assertDecimal(t, "realized", got.RealizedPnL, d("80"))
	assertDecimal(t, "remaining", got.RemainingQuantity, d("6"))
	assertDecimal(t, "exit fee", got.ExitFee, d("0.48"))
	assertDecimal(t, "total fees", got.TotalFees, d("0.48"))
	assertDecimal(t, "margin used", got.MarginUsed, d("600"))
	assertDecimal(t, "total", got.TotalPnL, got.RealizedPnL.Add(got.UnrealizedPnL))
	if got.Status != domain.PositionStatusPartial {
		t.Errorf("status = %s, want partial", got.Status)
	}
	if got.ClosedAt != nil || got.ExitPrice != nil {
		t.Error("partial close must not set exit data")
	}
	if got.Version != pos.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, pos.Version+1)
	}
	if actions := h.history.actions(pos.ID); actions[len(actions)-1] != domain.HistoryActionPartialClose {
		t.Errorf("last history action = %s, want partial_close", actions[len(actions)-1])
	}
}

func TestClose_Full(t *testing.T) {
	h := newHarness()
	pos := mustCreate(t, h, longRequest())

	got, err := h.svc.Close(context.Background(), pos.ID, CloseRequest{ExitPrice: d("90")})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got.Status != domain.PositionStatusClosed {
		t.Errorf("status = %s, want closed", got.Status)
	}
	assertDecimal(t, "realized", got.RealizedPnL, d("-100"))
	assertDecimal(t, "remaining", got.RemainingQuantity, decimal.Zero)
	assertDecimal(t, "unrealized", got.UnrealizedPnL, decimal.Zero)
	assertDecimal(t, "total", got.TotalPnL, d("-100"))
	assertDecimal(t, "margin used", got.MarginUsed, decimal.Zero)
	if got.ExitPrice == nil || !got.ExitPrice.Equal(d("90")) {
		t.Errorf("exit price = %v, want 90", got.ExitPrice)
	}
	if got.ExitReason != "manual" || got.ClosedAt == nil {
		t.Errorf("exit reason %q closedAt %v", got.ExitReason, got.ClosedAt)
	}

	sum, _ := h.summarySvc.Get(context.Background(), "user-1", "tenant-1")
	if sum.ClosedPositions != 1 || sum.LosingPositions != 1 {
		t.Errorf("summary closed=%d losing=%d, want 1/1", sum.ClosedPositions, sum.LosingPositions)
	}
}

func TestClose_Additivity(t *testing.T) {
	ctx := context.Background()

	one := newHarness()
	a := mustCreate(t, one, longRequest())
	whole, err := one.svc.Close(ctx, a.ID, CloseRequest{ExitPrice: d("120")})
	if err != nil {
		t.Fatalf("full close: %v", err)
	}

	two := newHarness()
	b := mustCreate(t, two, longRequest())
	if _, err := two.svc.Close(ctx, b.ID, CloseRequest{Quantity: dp("4"), ExitPrice: d("120")}); err != nil {
		t.Fatalf("first partial: %v", err)
	}
	split, err := two.svc.Close(ctx, b.ID, CloseRequest{Quantity: dp("6"), ExitPrice: d("120")})
	if err != nil {
		t.Fatalf("second partial: %v", err)
	}

	assertDecimal(t, "realized", split.RealizedPnL, whole.RealizedPnL)
	assertDecimal(t, "exit fee", split.ExitFee, whole.ExitFee)
	if split.Status != domain.PositionStatusClosed {
		t.Errorf("status = %s, want closed", split.Status)
	}
	if got := two.history.actions(b.ID); !slices.Equal(got, []domain.HistoryAction{
		domain.HistoryActionOpen, domain.HistoryActionPartialClose, domain.HistoryActionClose,
	}) {
		t.Errorf("history = %v", got)
	}
}

func TestClose_Rejections(t *testing.T) {
	cases := []struct {
		name string
		req  CloseRequest
	}{
		{"over remaining", CloseRequest{Quantity: dp("11"), ExitPrice: d("100")}},
		{"zero quantity", CloseRequest{Quantity: dp("0"), ExitPrice: d("100")}},
		{"zero exit price", CloseRequest{ExitPrice: decimal.Zero}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			pos := mustCreate(t, h, longRequest())

			_, err := h.svc.Close(context.Background(), pos.ID, tc.req)

			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			stored, _ := h.positions.GetByID(context.Background(), pos.ID)
			if stored.Version != pos.Version {
				t.Error("rejected close must not write")
			}
		})
	}
}

func TestClose_TerminalConflict(t *testing.T) {
	h := newHarness()
	pos := mustCreate(t, h, longRequest())
	if _, err := h.svc.Close(context.Background(), pos.ID, CloseRequest{ExitPrice: d("100")}); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := h.svc.Close(context.Background(), pos.ID, CloseRequest{ExitPrice: d("100")})

	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestClose_LostRaceIsConflict(t *testing.T) {
	h := newHarness()
	pos := mustCreate(t, h, longRequest())
	h.positions.beforeUpdate = h.positions.bump

	_, err := h.svc.Close(context.Background(), pos.ID, CloseRequest{Quantity: dp("4"), ExitPrice: d("120")})

	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	stored, _ := h.positions.GetByID(context.Background(), pos.ID)
	assertDecimal(t, "remaining", stored.RemainingQuantity, d("10"))
	if got := h.history.actions(pos.ID); len(got) != 1 {
		t.Errorf("history = %v, a lost race must not be recorded", got)
	}
}

func TestClose_HistoryFailureDoesNotFail(t *testing.T) {
	h := newHarness()
	pos := mustCreate(t, h, longRequest())
	h.history.err = errBoom
	h.publisher.err = errBoom

	got, err := h.svc.Close(context.Background(), pos.ID, CloseRequest{ExitPrice: d("110")})

	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got.Status != domain.PositionStatusClosed {
		t.Errorf("status = %s, want closed", got.Status)
	}
}

func TestLiquidate(t *testing.T) {
	h := newHarness()
	req := longRequest()
	req.Leverage = dp("10")
	pos := mustCreate(t, h, req)
	if _, err := h.svc.Close(context.Background(), pos.ID, CloseRequest{Quantity: dp("5"), ExitPrice: d("100")}); err != nil {
		t.Fatalf("partial: %v", err)
	}

	got, err := h.svc.Liquidate(context.Background(), pos.ID, d("90.5"))
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	if got.Status != domain.PositionStatusLiquidated {
		t.Errorf("status = %s, want liquidated", got.Status)
	}
	assertDecimal(t, "realized", got.RealizedPnL, d("-47.5"))
	assertDecimal(t, "remaining", got.RemainingQuantity, decimal.Zero)
	if got.ExitReason != "liquidation" {
		t.Errorf("exit reason = %q", got.ExitReason)
	}

	if _, err := h.svc.Liquidate(context.Background(), pos.ID, d("80")); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second liquidation err = %v, want ErrConflict", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	pos := mustCreate(t, h, longRequest())

	if err := h.svc.Delete(ctx, pos.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("delete open err = %v, want ErrConflict", err)
	}

	if _, err := h.svc.Close(ctx, pos.ID, CloseRequest{ExitPrice: d("100")}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.svc.Delete(ctx, pos.ID); err != nil {
		t.Fatalf("delete closed: %v", err)
	}
	if _, err := h.svc.Get(ctx, pos.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
	sum, _ := h.summarySvc.Get(ctx, "user-1", "tenant-1")
	if sum.TotalPositions != 0 {
		t.Errorf("summary total = %d after delete, want 0", sum.TotalPositions)
	}
}

func TestUpdate_PriceRemarks(t *testing.T) {
	h := newHarness()
	pos := mustCreate(t, h, longRequest())

	got, err := h.svc.Update(context.Background(), pos.ID, UpdateRequest{CurrentPrice: dp("110")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	assertDecimal(t, "unrealized", got.UnrealizedPnL, d("100"))
	assertDecimal(t, "unrealized percent", got.UnrealizedPnLPercent, d("10"))
	assertDecimal(t, "total", got.TotalPnL, d("100"))
	assertDecimal(t, "highest", got.HighestPrice, d("110"))
	assertDecimal(t, "lowest", got.LowestPrice, d("100"))

	got, err = h.svc.Update(context.Background(), pos.ID, UpdateRequest{CurrentPrice: dp("95")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	assertDecimal(t, "highest", got.HighestPrice, d("110"))
	assertDecimal(t, "lowest", got.LowestPrice, d("95"))

	entries, _ := h.historySvc.List(context.Background(), pos.ID)
	last := entries[len(entries)-1]
	if last.Action != domain.HistoryActionUpdate {
		t.Fatalf("last action = %s, want update", last.Action)
	}
	want := map[string]domain.FieldChange{
		"current_price":          {From: "110", To: "95"},
		"lowest_price":           {From: "100", To: "95"},
		"unrealized_pnl":         {From: "100", To: "-50"},
		"unrealized_pnl_percent": {From: "10", To: "-5"},
		"total_pnl":              {From: "100", To: "-50"},
		"total_pnl_percent":      {From: "10", To: "-5"},
	}
	for name, w := range want {
		fc, ok := last.Changes[name].(domain.FieldChange)
		if !ok || fc != w {
			t.Errorf("%s change = %+v, want %+v", name, last.Changes[name], w)
		}
	}
	if _, ok := last.Changes["highest_price"]; ok {
		t.Error("unchanged highest_price must not be recorded")
	}
}

func TestUpdate_RiskParamsAndFees(t *testing.T) {
	h := newHarness()
	req := longRequest()
	req.EntryFee = d("1")
	req.StopLoss = dp("90")
	pos := mustCreate(t, h, req)

	notes := "hedge"
	got, err := h.svc.Update(context.Background(), pos.ID, UpdateRequest{
		StopLoss:   dp("0"),
		TakeProfit: dp("130"),
		FundingFee: dp("0.25"),
		Notes:      &notes,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if got.StopLoss != nil {
		t.Errorf("stop loss = %s, want cleared", got.StopLoss)
	}
	if got.TakeProfit == nil || !got.TakeProfit.Equal(d("130")) {
		t.Errorf("take profit = %v, want 130", got.TakeProfit)
	}
	assertDecimal(t, "funding", got.FundingFee, d("0.25"))
	assertDecimal(t, "total fees", got.TotalFees, d("1.25"))
	if got.Notes != "hedge" {
		t.Errorf("notes = %q", got.Notes)
	}

	entries, _ := h.historySvc.List(context.Background(), pos.ID)
	changes := entries[len(entries)-1].Changes
	for _, k := range []string{"stop_loss", "take_profit", "funding_fee", "notes"} {
		if _, ok := changes[k]; !ok {
			t.Errorf("change-set missing %s: %v", k, changes)
		}
	}
}

func TestUpdate_NoChangeNoWrite(t *testing.T) {
	h := newHarness()
	pos := mustCreate(t, h, longRequest())

	got, err := h.svc.Update(context.Background(), pos.ID, UpdateRequest{CurrentPrice: dp("100")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Version != pos.Version {
		t.Errorf("version = %d, want unchanged %d", got.Version, pos.Version)
	}
	if len(h.history.actions(pos.ID)) != 1 {
		t.Error("no-op update must not append history")
	}
}

func TestUpdate_TerminalConflict(t *testing.T) {
	h := newHarness()
	pos := mustCreate(t, h, longRequest())
	if _, err := h.svc.Close(context.Background(), pos.ID, CloseRequest{ExitPrice: d("100")}); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := h.svc.Update(context.Background(), pos.ID, UpdateRequest{CurrentPrice: dp("120")})

	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCheckStopLoss(t *testing.T) {
	h := newHarness()
	req := longRequest()
	req.StopLoss = dp("95")
	pos := mustCreate(t, h, req)

	hit, err := h.svc.CheckStopLoss(context.Background(), pos.ID, d("96"))
	if err != nil || hit {
		t.Fatalf("above stop: hit=%v err=%v", hit, err)
	}
	hit, err = h.svc.CheckStopLoss(context.Background(), pos.ID, d("95"))
	if err != nil || !hit {
		t.Fatalf("at stop: hit=%v err=%v", hit, err)
	}

	alerts := h.alerts.byType(domain.AlertTypeStopLossHit)
	if len(alerts) != 1 {
		t.Fatalf("stop_loss_hit alerts = %d, want 1", len(alerts))
	}
	if alerts[0].PositionID != pos.ID || alerts[0].UserID != "user-1" {
		t.Errorf("alert = %+v", alerts[0])
	}
	if !slices.Contains(h.notifier.events, string(domain.AlertTypeStopLossHit)) {
		t.Error("alert was not handed to the notifier")
	}
}

func TestCheckTakeProfit(t *testing.T) {
	h := newHarness()
	req := longRequest()
	req.Side = domain.PositionSideShort
	req.TakeProfit = dp("80")
	pos := mustCreate(t, h, req)

	hit, err := h.svc.CheckTakeProfit(context.Background(), pos.ID, d("79"))
	if err != nil || !hit {
		t.Fatalf("hit=%v err=%v", hit, err)
	}
	if n := len(h.alerts.byType(domain.AlertTypeTakeProfitHit)); n != 1 {
		t.Errorf("take_profit_hit alerts = %d, want 1", n)
	}
}

func TestUpdateTrailingStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	req := longRequest()
	req.TrailingStop = dp("5")
	pos := mustCreate(t, h, req)

	got, err := h.svc.UpdateTrailingStop(ctx, pos.ID, d("110"))
	if err != nil {
		t.Fatalf("UpdateTrailingStop: %v", err)
	}
	if got.StopLoss == nil || !got.StopLoss.Equal(d("104.5")) {
		t.Fatalf("stop = %v, want 104.5", got.StopLoss)
	}

	got, err = h.svc.UpdateTrailingStop(ctx, pos.ID, d("100"))
	if err != nil {
		t.Fatalf("UpdateTrailingStop: %v", err)
	}
	if !got.StopLoss.Equal(d("104.5")) {
		t.Errorf("stop loosened to %s", got.StopLoss)
	}
	if n := len(h.history.actions(pos.ID)); n != 2 {
		t.Errorf("history entries = %d, want open + one ratchet", n)
	}
}

func TestCalculateWrappers(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	req := longRequest()
	req.Leverage = dp("5")
	pos := mustCreate(t, h, req)

	pnl, err := h.svc.CalculatePnL(ctx, pos.ID, dp("110"))
	if err != nil {
		t.Fatalf("CalculatePnL: %v", err)
	}
	assertDecimal(t, "unrealized", pnl.UnrealizedPnL, d("100"))

	margin, err := h.svc.CalculateMargin(ctx, pos.ID, dp("103"))
	if err != nil {
		t.Fatalf("CalculateMargin: %v", err)
	}
	if !margin.IsMarginCall || margin.IsLiquidationWarning {
		t.Errorf("margin flags call=%v warning=%v at 115%%", margin.IsMarginCall, margin.IsLiquidationWarning)
	}

	liq, err := h.svc.CalculateLiquidationPrice(ctx, pos.ID)
	if err != nil {
		t.Fatalf("CalculateLiquidationPrice: %v", err)
	}
	assertDecimal(t, "liquidation", liq, d("80.5"))

	if _, err := h.svc.CalculatePnL(ctx, "missing", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
