package domain

import (
	"context"
	"time"
)

// PositionStore persists positions.
//
// UpdateIfVersion is the atomic guarantee lifecycle mutations rely on: it
// writes pos only when the stored row still carries version, and bumps the
// stored version by one. A lost race returns ErrConflict.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	List(ctx context.Context, filter PositionFilter) ([]Position, error)
	UpdateIfVersion(ctx context.Context, pos Position, version int64) error
	Delete(ctx context.Context, id string) error
	// ListOwners returns every (user, tenant) pair holding a live position.
	ListOwners(ctx context.Context) ([]Owner, error)
	// ListTerminalBefore returns closed or liquidated positions whose
	// closed_at is strictly before the cutoff.
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]Position, error)
}

// HistoryStore persists the append-only position audit trail.
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
	ListByPosition(ctx context.Context, positionID string) ([]HistoryEntry, error)
}

// AlertStore persists risk alerts.
type AlertStore interface {
	Create(ctx context.Context, alert Alert) error
	GetByID(ctx context.Context, id string) (Alert, error)
	List(ctx context.Context, filter AlertFilter) ([]Alert, error)
	// Acknowledge marks the alert acknowledged if it is not already. It
	// returns ErrNotFound for unknown ids.
	Acknowledge(ctx context.Context, id, userID string, at time.Time) error
}

// SummaryStore persists one summary row per (user, tenant).
type SummaryStore interface {
	Upsert(ctx context.Context, summary Summary) error
	Get(ctx context.Context, userID, tenantID string) (Summary, error)
}
