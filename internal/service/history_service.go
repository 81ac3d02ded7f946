package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// HistoryService records and reads the append-only audit trail of positions.
type HistoryService struct {
	history   domain.HistoryStore
	positions domain.PositionStore
	now       func() time.Time
	logger    *slog.Logger
}

// NewHistoryService creates a HistoryService.
func NewHistoryService(history domain.HistoryStore, positions domain.PositionStore, logger *slog.Logger) *HistoryService {
	return &HistoryService{
		history:   history,
		positions: positions,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Record appends a snapshot of pos taken at the moment of action.
func (s *HistoryService) Record(ctx context.Context, pos domain.Position, action domain.HistoryAction, changes map[string]any) (domain.HistoryEntry, error) {
	entry := domain.HistoryEntry{
		ID:                uuid.NewString(),
		PositionID:        pos.ID,
		UserID:            pos.UserID,
		TenantID:          pos.TenantID,
		Action:            action,
		Price:             pos.CurrentPrice,
		Quantity:          pos.Quantity,
		RemainingQuantity: pos.RemainingQuantity,
		UnrealizedPnL:     pos.UnrealizedPnL,
		RealizedPnL:       pos.RealizedPnL,
		TotalPnL:          pos.TotalPnL,
		Changes:           changes,
		CreatedAt:         s.now(),
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("history_service: append %s for %q: %w", action, pos.ID, err)
	}
	return entry, nil
}

// Append loads the position and records an entry against its current state.
// Unknown actions are rejected with ErrValidation before anything is read.
func (s *HistoryService) Append(ctx context.Context, positionID string, action domain.HistoryAction, changes map[string]any) (domain.HistoryEntry, error) {
	if !action.Valid() {
		return domain.HistoryEntry{}, fmt.Errorf("history_service: append to %q: %w", positionID,
			domain.Validationf("unknown history action %q", action))
	}
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("history_service: get position %q: %w", positionID, err)
	}
	return s.Record(ctx, pos, action, changes)
}

// List returns the history of a position in the order entries were written.
func (s *HistoryService) List(ctx context.Context, positionID string) ([]domain.HistoryEntry, error) {
	entries, err := s.history.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("history_service: list %q: %w", positionID, err)
	}
	return entries, nil
}
