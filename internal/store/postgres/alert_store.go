package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// AlertStore implements domain.AlertStore using PostgreSQL.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore creates a new AlertStore backed by the given connection pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

const alertSelectCols = `id, position_id, user_id, tenant_id, alert_type, severity,
	message, context, acknowledged, acknowledged_at, acknowledged_by, created_at`

func scanAlertRow(row pgx.Row) (domain.Alert, error) {
	var (
		a             domain.Alert
		typ, severity string
		ctxJSON       []byte
	)
	if err := row.Scan(
		&a.ID, &a.PositionID, &a.UserID, &a.TenantID, &typ, &severity,
		&a.Message, &ctxJSON, &a.Acknowledged, &a.AcknowledgedAt, &a.AcknowledgedBy, &a.CreatedAt,
	); err != nil {
		return domain.Alert{}, err
	}
	a.Type = domain.AlertType(typ)
	a.Severity = domain.AlertSeverity(severity)

	m, err := unmarshalJSONB(ctxJSON)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("decode alert context: %w", err)
	}
	a.Context = m
	return a, nil
}

// Create inserts a new alert.
func (s *AlertStore) Create(ctx context.Context, a domain.Alert) error {
	ctxJSON, err := marshalJSONB(a.Context)
	if err != nil {
		return fmt.Errorf("postgres: encode alert context: %w", err)
	}

	const query = `
		INSERT INTO position_alerts (
			id, position_id, user_id, tenant_id, alert_type, severity,
			message, context, acknowledged, acknowledged_at, acknowledged_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	if _, err := s.pool.Exec(ctx, query,
		a.ID, a.PositionID, a.UserID, a.TenantID, string(a.Type), string(a.Severity),
		a.Message, ctxJSON, a.Acknowledged, a.AcknowledgedAt, a.AcknowledgedBy, a.CreatedAt,
	); err != nil {
		return domain.NewStorageError("postgres: create alert "+a.ID, err)
	}
	return nil
}

// GetByID retrieves a single alert.
func (s *AlertStore) GetByID(ctx context.Context, id string) (domain.Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+alertSelectCols+` FROM position_alerts WHERE id = $1`, id)

	a, err := scanAlertRow(row)
	if err != nil {
		return domain.Alert{}, storageErr("postgres: get alert "+id, err)
	}
	return a, nil
}

// List returns alerts matching f, newest first.
func (s *AlertStore) List(ctx context.Context, f domain.AlertFilter) ([]domain.Alert, error) {
	query, args := buildAlertQuery(f)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("postgres: list alerts", err)
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		a, err := scanAlertRow(rows)
		if err != nil {
			return nil, domain.NewStorageError("postgres: scan alert", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("postgres: list alerts", err)
	}
	return alerts, nil
}

// Acknowledge sets the acknowledgement fields once. A second call leaves the
// first acknowledgement in place.
func (s *AlertStore) Acknowledge(ctx context.Context, id, userID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE position_alerts
		SET acknowledged = TRUE, acknowledged_at = $2, acknowledged_by = $3
		WHERE id = $1 AND NOT acknowledged`, id, at, userID)
	if err != nil {
		return domain.NewStorageError("postgres: acknowledge alert "+id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM position_alerts WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return domain.NewStorageError("postgres: check alert "+id, err)
	}
	if !exists {
		return fmt.Errorf("postgres: acknowledge alert %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func buildAlertQuery(f domain.AlertFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.PositionID != "" {
		add("position_id = $%d", f.PositionID)
	}
	if f.Type != "" {
		add("alert_type = $%d", string(f.Type))
	}
	if f.Acknowledged != nil {
		add("acknowledged = $%d", *f.Acknowledged)
	}

	query := `SELECT ` + alertSelectCols + ` FROM position_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
