package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// SummaryStore implements domain.SummaryStore using PostgreSQL.
type SummaryStore struct {
	pool *pgxpool.Pool
}

// NewSummaryStore creates a new SummaryStore backed by the given connection pool.
func NewSummaryStore(pool *pgxpool.Pool) *SummaryStore {
	return &SummaryStore{pool: pool}
}

// Upsert replaces the summary row of (UserID, TenantID). Concurrent upserts
// are last-writer-wins.
func (s *SummaryStore) Upsert(ctx context.Context, sum domain.Summary) error {
	const query = `
		INSERT INTO position_summaries (
			user_id, tenant_id,
			total_positions, open_positions, closed_positions,
			total_unrealized_pnl, total_realized_pnl, total_pnl, total_fees, total_margin_used,
			winning_positions, losing_positions, win_rate, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, tenant_id) DO UPDATE SET
			total_positions      = EXCLUDED.total_positions,
			open_positions       = EXCLUDED.open_positions,
			closed_positions     = EXCLUDED.closed_positions,
			total_unrealized_pnl = EXCLUDED.total_unrealized_pnl,
			total_realized_pnl   = EXCLUDED.total_realized_pnl,
			total_pnl            = EXCLUDED.total_pnl,
			total_fees           = EXCLUDED.total_fees,
			total_margin_used    = EXCLUDED.total_margin_used,
			winning_positions    = EXCLUDED.winning_positions,
			losing_positions     = EXCLUDED.losing_positions,
			win_rate             = EXCLUDED.win_rate,
			updated_at           = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, query,
		sum.UserID, sum.TenantID,
		sum.TotalPositions, sum.OpenPositions, sum.ClosedPositions,
		sum.TotalUnrealizedPnL, sum.TotalRealizedPnL, sum.TotalPnL, sum.TotalFees, sum.TotalMarginUsed,
		sum.WinningPositions, sum.LosingPositions, sum.WinRate, sum.UpdatedAt,
	); err != nil {
		return domain.NewStorageError("postgres: upsert summary "+sum.UserID, err)
	}
	return nil
}

// Get returns the stored summary of (userID, tenantID).
func (s *SummaryStore) Get(ctx context.Context, userID, tenantID string) (domain.Summary, error) {
	var sum domain.Summary
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, tenant_id,
		       total_positions, open_positions, closed_positions,
		       total_unrealized_pnl, total_realized_pnl, total_pnl, total_fees, total_margin_used,
		       winning_positions, losing_positions, win_rate, updated_at
		FROM position_summaries
		WHERE user_id = $1 AND tenant_id = $2`, userID, tenantID,
	).Scan(
		&sum.UserID, &sum.TenantID,
		&sum.TotalPositions, &sum.OpenPositions, &sum.ClosedPositions,
		&sum.TotalUnrealizedPnL, &sum.TotalRealizedPnL, &sum.TotalPnL, &sum.TotalFees, &sum.TotalMarginUsed,
		&sum.WinningPositions, &sum.LosingPositions, &sum.WinRate, &sum.UpdatedAt,
	)
	if err != nil {
		return domain.Summary{}, storageErr("postgres: get summary "+userID, err)
	}
	return sum, nil
}
