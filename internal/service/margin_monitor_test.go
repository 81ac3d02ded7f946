package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/risk"
)

func newMonitor(h *harness, locks domain.LockManager) *MarginMonitor {
	return NewMarginMonitor(h.positions, h.alertSvc, locks, risk.DefaultThresholds(), time.Minute, nil, discardLogger())
}

// markTo moves a stored position to price through the lifecycle.
func markTo(t *testing.T, h *harness, id, price string) {
	t.Helper()
	if _, err := h.svc.Update(context.Background(), id, UpdateRequest{CurrentPrice: dp(price)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestCheckMarginCall(t *testing.T) {
	h := newHarness()
	req := longRequest()
	req.Leverage = dp("5")

	healthy := mustCreate(t, h, req)
	call := mustCreate(t, h, req)
	warning := mustCreate(t, h, req)
	closed := mustCreate(t, h, req)

	markTo(t, h, healthy.ID, "105") // level 125%
	markTo(t, h, call.ID, "103")    // level 115%
	markTo(t, h, warning.ID, "99")  // level 95%
	if _, err := h.svc.Close(context.Background(), closed.ID, CloseRequest{ExitPrice: d("81")}); err != nil {
		t.Fatalf("Close: %v", err)
	}

	alerts, err := newMonitor(h, nil).CheckMarginCall(context.Background(), "user-1", "tenant-1")
	if err != nil {
		t.Fatalf("CheckMarginCall: %v", err)
	}

	byPosition := make(map[string]domain.Alert)
	for _, a := range alerts {
		if _, dup := byPosition[a.PositionID]; dup {
			t.Errorf("position %s alerted twice in one pass", a.PositionID)
		}
		byPosition[a.PositionID] = a
	}
	if len(byPosition) != 2 {
		t.Fatalf("alerted positions = %d, want 2", len(byPosition))
	}
	if a := byPosition[call.ID]; a.Type != domain.AlertTypeMarginCall || a.Severity != domain.AlertSeverityWarning {
		t.Errorf("margin call alert = %+v", a)
	}
	if a := byPosition[warning.ID]; a.Type != domain.AlertTypeLiquidationWarning || a.Severity != domain.AlertSeverityCritical {
		t.Errorf("liquidation warning alert = %+v", a)
	}
	if _, ok := byPosition[healthy.ID]; ok {
		t.Error("healthy position alerted")
	}
	if _, ok := byPosition[closed.ID]; ok {
		t.Error("closed position alerted")
	}
	if lvl := byPosition[call.ID].Context["margin_level"]; lvl != "115" {
		t.Errorf("context margin_level = %v, want 115", lvl)
	}
}

func TestScanAll_RunsUnderLock(t *testing.T) {
	h := newHarness()
	req := longRequest()
	req.Leverage = dp("5")
	pos := mustCreate(t, h, req)
	markTo(t, h, pos.ID, "103")

	other := req
	other.UserID = "user-2"
	pos2 := mustCreate(t, h, other)
	markTo(t, h, pos2.ID, "99")

	locks := &fakeLocks{}
	n, err := newMonitor(h, locks).ScanAll(context.Background())
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if n != 2 {
		t.Errorf("alerts = %d, want 2", n)
	}
	if locks.acquired != 1 || locks.released != 1 {
		t.Errorf("lock acquired=%d released=%d", locks.acquired, locks.released)
	}
}

func TestScanAll_SkipsWhenLockHeld(t *testing.T) {
	h := newHarness()
	req := longRequest()
	req.Leverage = dp("5")
	pos := mustCreate(t, h, req)
	markTo(t, h, pos.ID, "99")

	n, err := newMonitor(h, &fakeLocks{held: true}).ScanAll(context.Background())

	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v, want 0, nil", n, err)
	}
	if len(h.alerts.alerts) != 0 {
		t.Error("follower replica must not raise alerts")
	}
}

func TestScanAll_LockErrorSurfaces(t *testing.T) {
	h := newHarness()

	_, err := newMonitor(h, &fakeLocks{err: errBoom}).ScanAll(context.Background())

	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want lock error", err)
	}
}
