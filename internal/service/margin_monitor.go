package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/metrics"
	"github.com/alanyoungcy/positionengine/internal/risk"
)

const monitorLockKey = "margin-monitor"

// MarginMonitor evaluates live positions against the margin thresholds and
// raises alerts for those in margin-call or liquidation-warning range. Each
// call is a single pass; scheduling belongs to the host.
type MarginMonitor struct {
	positions  domain.PositionStore
	alerts     *AlertService
	locks      domain.LockManager
	thresholds risk.Thresholds
	lockTTL    time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewMarginMonitor creates a MarginMonitor. locks may be nil, in which case
// ScanAll runs without leader election.
func NewMarginMonitor(
	positions domain.PositionStore,
	alerts *AlertService,
	locks domain.LockManager,
	thresholds risk.Thresholds,
	lockTTL time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MarginMonitor {
	return &MarginMonitor{
		positions:  positions,
		alerts:     alerts,
		locks:      locks,
		thresholds: thresholds,
		lockTTL:    lockTTL,
		metrics:    m,
		logger:     logger,
	}
}

// CheckMarginCall scans the live positions of (userID, tenantID) at their
// stored current price. A liquidation warning supersedes a margin call, so
// each position yields at most one alert per pass.
func (m *MarginMonitor) CheckMarginCall(ctx context.Context, userID, tenantID string) ([]domain.Alert, error) {
	positions, err := m.positions.List(ctx, domain.PositionFilter{
		UserID:   userID,
		TenantID: tenantID,
		Statuses: []domain.PositionStatus{domain.PositionStatusOpen, domain.PositionStatusPartial},
	})
	if err != nil {
		return nil, fmt.Errorf("margin_monitor: list live positions: %w", err)
	}

	var raised []domain.Alert
	for _, pos := range positions {
		margin := risk.CalculateMargin(pos, pos.CurrentPrice, m.thresholds)

		var req CreateAlertRequest
		switch {
		case margin.IsLiquidationWarning:
			req = CreateAlertRequest{
				Type:     domain.AlertTypeLiquidationWarning,
				Severity: domain.AlertSeverityCritical,
				Message: fmt.Sprintf("%s %s margin level %s%% is below %s%%, liquidation at %s",
					pos.Symbol, pos.Side, margin.MarginLevel.StringFixed(2), m.thresholds.LiquidationWarning, pos.LiquidationPrice),
			}
		case margin.IsMarginCall:
			req = CreateAlertRequest{
				Type:     domain.AlertTypeMarginCall,
				Severity: domain.AlertSeverityWarning,
				Message: fmt.Sprintf("%s %s margin level %s%% is below %s%%",
					pos.Symbol, pos.Side, margin.MarginLevel.StringFixed(2), m.thresholds.MarginCall),
			}
		default:
			continue
		}
		req.PositionID = pos.ID
		req.UserID = pos.UserID
		req.TenantID = pos.TenantID
		req.Context = marginContext(pos, margin)

		alert, err := m.alerts.Create(ctx, req)
		if err != nil {
			m.metrics.RecordSideEffectFailure("alert")
			m.logger.WarnContext(ctx, "margin_monitor: raise alert failed",
				slog.String("position_id", pos.ID),
				slog.String("type", string(req.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}
		raised = append(raised, alert)
	}
	return raised, nil
}

// ScanAll runs CheckMarginCall for every owner with live positions. When a
// LockManager is configured only the replica holding the leader lock scans;
// the others return (0, nil).
func (m *MarginMonitor) ScanAll(ctx context.Context) (int, error) {
	start := time.Now()

	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, monitorLockKey, m.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			m.metrics.ObserveScan("skipped", 0, start)
			m.logger.DebugContext(ctx, "margin_monitor: another replica holds the scan lock")
			return 0, nil
		}
		if err != nil {
			m.metrics.ObserveScan("error", 0, start)
			return 0, fmt.Errorf("margin_monitor: acquire lock: %w", err)
		}
		defer unlock()
	}

	owners, err := m.positions.ListOwners(ctx)
	if err != nil {
		m.metrics.ObserveScan("error", 0, start)
		return 0, fmt.Errorf("margin_monitor: list owners: %w", err)
	}

	total := 0
	for _, o := range owners {
		if ctx.Err() != nil {
			break
		}
		alerts, err := m.CheckMarginCall(ctx, o.UserID, o.TenantID)
		if err != nil {
			m.logger.WarnContext(ctx, "margin_monitor: owner scan failed",
				slog.String("user_id", o.UserID),
				slog.String("tenant_id", o.TenantID),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += len(alerts)
	}

	m.metrics.ObserveScan("ok", len(owners), start)
	m.logger.InfoContext(ctx, "margin_monitor: scan complete",
		slog.Int("owners", len(owners)),
		slog.Int("alerts", total),
		slog.Duration("elapsed", time.Since(start)),
	)
	return total, ctx.Err()
}

func marginContext(pos domain.Position, margin risk.Margin) map[string]any {
	c := map[string]any{
		"current_price":     pos.CurrentPrice.String(),
		"margin_used":       margin.MarginUsed.String(),
		"margin_available":  margin.MarginAvailable.String(),
		"margin_level":      margin.MarginLevel.String(),
		"liquidation_price": margin.LiquidationPrice.String(),
	}
	if margin.DistanceToLiquidation != nil {
		c["distance_to_liquidation"] = margin.DistanceToLiquidation.String()
	}
	return c
}
