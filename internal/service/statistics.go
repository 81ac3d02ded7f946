package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// StatisticsService derives trading statistics from terminal positions.
// Nothing it computes is stored.
type StatisticsService struct {
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewStatisticsService creates a StatisticsService.
func NewStatisticsService(positions domain.PositionStore, logger *slog.Logger) *StatisticsService {
	return &StatisticsService{positions: positions, logger: logger}
}

// Get computes statistics over the closed and liquidated positions of
// (userID, tenantID).
func (s *StatisticsService) Get(ctx context.Context, userID, tenantID string) (domain.Statistics, error) {
	positions, err := s.positions.List(ctx, domain.PositionFilter{
		UserID:   userID,
		TenantID: tenantID,
		Statuses: []domain.PositionStatus{domain.PositionStatusClosed, domain.PositionStatusLiquidated},
	})
	if err != nil {
		return domain.Statistics{}, fmt.Errorf("statistics: list closed positions: %w", err)
	}
	return BuildStatistics(userID, tenantID, positions), nil
}

// BuildStatistics folds terminal positions into Statistics. Live positions
// in the input are ignored. ProfitFactor is Σwins / |Σlosses|, or zero when
// there are no losses. Holding times only count positions with ClosedAt set.
func BuildStatistics(userID, tenantID string, positions []domain.Position) domain.Statistics {
	st := domain.Statistics{UserID: userID, TenantID: tenantID}

	var (
		grossWin, grossLoss decimal.Decimal
		holdTotal           time.Duration
		held                int
	)
	for _, p := range positions {
		if !p.Status.Terminal() {
			continue
		}
		st.TotalTrades++
		st.TotalRealizedPnL = st.TotalRealizedPnL.Add(p.RealizedPnL)

		switch {
		case p.RealizedPnL.IsPositive():
			st.WinningTrades++
			grossWin = grossWin.Add(p.RealizedPnL)
			if p.RealizedPnL.GreaterThan(st.LargestWin) {
				st.LargestWin = p.RealizedPnL
			}
		case p.RealizedPnL.IsNegative():
			st.LosingTrades++
			grossLoss = grossLoss.Add(p.RealizedPnL)
			if p.RealizedPnL.LessThan(st.LargestLoss) {
				st.LargestLoss = p.RealizedPnL
			}
		}

		if p.ClosedAt != nil {
			d := p.ClosedAt.Sub(p.OpenedAt)
			holdTotal += d
			if held == 0 || d > st.LongestHoldingTime {
				st.LongestHoldingTime = d
			}
			if held == 0 || d < st.ShortestHoldingTime {
				st.ShortestHoldingTime = d
			}
			held++
		}
	}

	st.WinRate = winRate(st.WinningTrades, st.TotalTrades)
	if st.WinningTrades > 0 {
		st.AverageWin = grossWin.Div(decimal.NewFromInt(int64(st.WinningTrades)))
	}
	if st.LosingTrades > 0 {
		st.AverageLoss = grossLoss.Div(decimal.NewFromInt(int64(st.LosingTrades)))
		st.ProfitFactor = grossWin.Div(grossLoss.Abs())
	}
	if held > 0 {
		st.AverageHoldingTime = holdTotal / time.Duration(held)
	}
	return st
}
