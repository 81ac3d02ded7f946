package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// HistoryStore implements domain.HistoryStore using PostgreSQL. Rows are
// only ever inserted.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a new HistoryStore backed by the given connection pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Append inserts one history entry.
func (s *HistoryStore) Append(ctx context.Context, e domain.HistoryEntry) error {
	changes, err := marshalJSONB(e.Changes)
	if err != nil {
		return fmt.Errorf("postgres: encode history changes: %w", err)
	}

	const query = `
		INSERT INTO position_history (
			id, position_id, user_id, tenant_id, action,
			price, quantity, remaining_quantity,
			unrealized_pnl, realized_pnl, total_pnl,
			changes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	if _, err := s.pool.Exec(ctx, query,
		e.ID, e.PositionID, e.UserID, e.TenantID, string(e.Action),
		e.Price, e.Quantity, e.RemainingQuantity,
		e.UnrealizedPnL, e.RealizedPnL, e.TotalPnL,
		changes, e.CreatedAt,
	); err != nil {
		return domain.NewStorageError("postgres: append history "+e.PositionID, err)
	}
	return nil
}

// ListByPosition returns the entries of a position in insertion order.
func (s *HistoryStore) ListByPosition(ctx context.Context, positionID string) ([]domain.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, position_id, user_id, tenant_id, action,
		       price, quantity, remaining_quantity,
		       unrealized_pnl, realized_pnl, total_pnl,
		       changes, created_at
		FROM position_history
		WHERE position_id = $1
		ORDER BY seq`, positionID)
	if err != nil {
		return nil, domain.NewStorageError("postgres: list history "+positionID, err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var (
			e       domain.HistoryEntry
			action  string
			changes []byte
		)
		if err := rows.Scan(
			&e.ID, &e.PositionID, &e.UserID, &e.TenantID, &action,
			&e.Price, &e.Quantity, &e.RemainingQuantity,
			&e.UnrealizedPnL, &e.RealizedPnL, &e.TotalPnL,
			&changes, &e.CreatedAt,
		); err != nil {
			return nil, domain.NewStorageError("postgres: scan history", err)
		}
		e.Action = domain.HistoryAction(action)
		if e.Changes, err = unmarshalJSONB(changes); err != nil {
			return nil, fmt.Errorf("postgres: decode history changes %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("postgres: list history "+positionID, err)
	}
	return entries, nil
}

// marshalJSONB encodes m for a JSONB column. Empty maps become NULL.
func marshalJSONB(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSONB(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
