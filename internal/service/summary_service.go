package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// SummaryService maintains the per-(user, tenant) portfolio summary. Every
// recompute is a full rescan of the owner's positions; concurrent recomputes
// are last-writer-wins.
type SummaryService struct {
	positions domain.PositionStore
	summaries domain.SummaryStore
	now       func() time.Time
	logger    *slog.Logger
}

// NewSummaryService creates a SummaryService.
func NewSummaryService(positions domain.PositionStore, summaries domain.SummaryStore, logger *slog.Logger) *SummaryService {
	return &SummaryService{
		positions: positions,
		summaries: summaries,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Recompute rebuilds the summary for (userID, tenantID) and upserts it.
func (s *SummaryService) Recompute(ctx context.Context, userID, tenantID string) (domain.Summary, error) {
	positions, err := s.positions.List(ctx, domain.PositionFilter{UserID: userID, TenantID: tenantID})
	if err != nil {
		return domain.Summary{}, fmt.Errorf("summary_service: list positions: %w", err)
	}

	sum := BuildSummary(userID, tenantID, positions, s.now())
	if err := s.summaries.Upsert(ctx, sum); err != nil {
		return domain.Summary{}, fmt.Errorf("summary_service: upsert summary: %w", err)
	}

	s.logger.DebugContext(ctx, "summary_service: summary recomputed",
		slog.String("user_id", userID),
		slog.String("tenant_id", tenantID),
		slog.Int("positions", sum.TotalPositions),
	)
	return sum, nil
}

// Get returns the last stored summary. It returns ErrNotFound when the
// summary was never computed.
func (s *SummaryService) Get(ctx context.Context, userID, tenantID string) (domain.Summary, error) {
	sum, err := s.summaries.Get(ctx, userID, tenantID)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("summary_service: get summary: %w", err)
	}
	return sum, nil
}

// BuildSummary folds positions into a Summary. P&L, fee and margin totals
// cover live positions; win/loss counts cover terminal ones.
func BuildSummary(userID, tenantID string, positions []domain.Position, now time.Time) domain.Summary {
	sum := domain.Summary{
		UserID:         userID,
		TenantID:       tenantID,
		TotalPositions: len(positions),
		UpdatedAt:      now,
	}

	for _, p := range positions {
		switch {
		case p.Status.Live():
			sum.OpenPositions++
			sum.TotalUnrealizedPnL = sum.TotalUnrealizedPnL.Add(p.UnrealizedPnL)
			sum.TotalRealizedPnL = sum.TotalRealizedPnL.Add(p.RealizedPnL)
			sum.TotalPnL = sum.TotalPnL.Add(p.TotalPnL)
			sum.TotalFees = sum.TotalFees.Add(p.TotalFees)
			sum.TotalMarginUsed = sum.TotalMarginUsed.Add(p.MarginUsed)
		case p.Status.Terminal():
			sum.ClosedPositions++
			if p.RealizedPnL.IsPositive() {
				sum.WinningPositions++
			} else if p.RealizedPnL.IsNegative() {
				sum.LosingPositions++
			}
		}
	}

	sum.WinRate = winRate(sum.WinningPositions, sum.ClosedPositions)
	return sum
}

func winRate(wins, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(total))).Mul(decimal.NewFromInt(100))
}
