package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

const uniqueViolation = "23505"

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// positionColumns is the column order shared by positionRow.values and
// positionRow.targets. version is handled separately.
var positionColumns = []string{
	"id", "user_id", "tenant_id", "exchange_id", "symbol", "side", "position_type",
	"entry_price", "current_price", "quantity", "remaining_quantity",
	"leverage", "margin_type", "margin_used",
	"unrealized_pnl", "unrealized_pnl_percent", "realized_pnl", "realized_pnl_percent",
	"total_pnl", "total_pnl_percent",
	"entry_fee", "exit_fee", "funding_fee", "total_fees",
	"stop_loss", "take_profit", "trailing_stop", "trailing_stop_activation_price",
	"liquidation_price", "highest_price", "lowest_price",
	"status", "exit_price", "exit_reason", "closed_at",
	"order_id", "strategy_id", "bot_id", "signal_id", "notes", "tags",
	"opened_at", "updated_at",
}

var positionSelectCols = strings.Join(positionColumns, ", ") + ", version"

// positionRow is the storage shape of a position: plain strings for enums
// and NullDecimal for optional numerics.
type positionRow struct {
	ID, UserID, TenantID, ExchangeID, Symbol, Side, Type string

	EntryPrice, CurrentPrice, Quantity, RemainingQuantity decimal.Decimal

	Leverage   decimal.Decimal
	MarginType string
	MarginUsed decimal.Decimal

	UnrealizedPnL, UnrealizedPnLPercent decimal.Decimal
	RealizedPnL, RealizedPnLPercent     decimal.Decimal
	TotalPnL, TotalPnLPercent           decimal.Decimal

	EntryFee, ExitFee, FundingFee, TotalFees decimal.Decimal

	StopLoss, TakeProfit, TrailingStop, TrailingStopActivationPrice decimal.NullDecimal

	LiquidationPrice, HighestPrice, LowestPrice decimal.Decimal

	Status     string
	ExitPrice  decimal.NullDecimal
	ExitReason string
	ClosedAt   *time.Time

	OrderID, StrategyID, BotID, SignalID, Notes string
	Tags                                        []string

	OpenedAt, UpdatedAt time.Time
	Version             int64
}

func (r *positionRow) targets() []any {
	return []any{
		&r.ID, &r.UserID, &r.TenantID, &r.ExchangeID, &r.Symbol, &r.Side, &r.Type,
		&r.EntryPrice, &r.CurrentPrice, &r.Quantity, &r.RemainingQuantity,
		&r.Leverage, &r.MarginType, &r.MarginUsed,
		&r.UnrealizedPnL, &r.UnrealizedPnLPercent, &r.RealizedPnL, &r.RealizedPnLPercent,
		&r.TotalPnL, &r.TotalPnLPercent,
		&r.EntryFee, &r.ExitFee, &r.FundingFee, &r.TotalFees,
		&r.StopLoss, &r.TakeProfit, &r.TrailingStop, &r.TrailingStopActivationPrice,
		&r.LiquidationPrice, &r.HighestPrice, &r.LowestPrice,
		&r.Status, &r.ExitPrice, &r.ExitReason, &r.ClosedAt,
		&r.OrderID, &r.StrategyID, &r.BotID, &r.SignalID, &r.Notes, &r.Tags,
		&r.OpenedAt, &r.UpdatedAt,
		&r.Version,
	}
}

func (r positionRow) values() []any {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return []any{
		r.ID, r.UserID, r.TenantID, r.ExchangeID, r.Symbol, r.Side, r.Type,
		r.EntryPrice, r.CurrentPrice, r.Quantity, r.RemainingQuantity,
		r.Leverage, r.MarginType, r.MarginUsed,
		r.UnrealizedPnL, r.UnrealizedPnLPercent, r.RealizedPnL, r.RealizedPnLPercent,
		r.TotalPnL, r.TotalPnLPercent,
		r.EntryFee, r.ExitFee, r.FundingFee, r.TotalFees,
		r.StopLoss, r.TakeProfit, r.TrailingStop, r.TrailingStopActivationPrice,
		r.LiquidationPrice, r.HighestPrice, r.LowestPrice,
		r.Status, r.ExitPrice, r.ExitReason, r.ClosedAt,
		r.OrderID, r.StrategyID, r.BotID, r.SignalID, r.Notes, tags,
		r.OpenedAt, r.UpdatedAt,
	}
}

func positionToRow(p domain.Position) positionRow {
	return positionRow{
		ID: p.ID, UserID: p.UserID, TenantID: p.TenantID,
		ExchangeID: p.ExchangeID, Symbol: p.Symbol,
		Side: string(p.Side), Type: string(p.Type),

		EntryPrice: p.EntryPrice, CurrentPrice: p.CurrentPrice,
		Quantity: p.Quantity, RemainingQuantity: p.RemainingQuantity,

		Leverage: p.Leverage, MarginType: string(p.MarginType), MarginUsed: p.MarginUsed,

		UnrealizedPnL: p.UnrealizedPnL, UnrealizedPnLPercent: p.UnrealizedPnLPercent,
		RealizedPnL: p.RealizedPnL, RealizedPnLPercent: p.RealizedPnLPercent,
		TotalPnL: p.TotalPnL, TotalPnLPercent: p.TotalPnLPercent,

		EntryFee: p.EntryFee, ExitFee: p.ExitFee, FundingFee: p.FundingFee, TotalFees: p.TotalFees,

		StopLoss:                    nullDecimal(p.StopLoss),
		TakeProfit:                  nullDecimal(p.TakeProfit),
		TrailingStop:                nullDecimal(p.TrailingStop),
		TrailingStopActivationPrice: nullDecimal(p.TrailingStopActivationPrice),

		LiquidationPrice: p.LiquidationPrice,
		HighestPrice:     p.HighestPrice,
		LowestPrice:      p.LowestPrice,

		Status:     string(p.Status),
		ExitPrice:  nullDecimal(p.ExitPrice),
		ExitReason: p.ExitReason,
		ClosedAt:   p.ClosedAt,

		OrderID: p.OrderID, StrategyID: p.StrategyID, BotID: p.BotID, SignalID: p.SignalID,
		Notes: p.Notes, Tags: p.Tags,

		OpenedAt: p.OpenedAt, UpdatedAt: p.UpdatedAt, Version: p.Version,
	}
}

func (r positionRow) toDomain() domain.Position {
	return domain.Position{
		ID: r.ID, UserID: r.UserID, TenantID: r.TenantID,
		ExchangeID: r.ExchangeID, Symbol: r.Symbol,
		Side: domain.PositionSide(r.Side), Type: domain.PositionType(r.Type),

		EntryPrice: r.EntryPrice, CurrentPrice: r.CurrentPrice,
		Quantity: r.Quantity, RemainingQuantity: r.RemainingQuantity,

		Leverage: r.Leverage, MarginType: domain.MarginType(r.MarginType), MarginUsed: r.MarginUsed,

		UnrealizedPnL: r.UnrealizedPnL, UnrealizedPnLPercent: r.UnrealizedPnLPercent,
		RealizedPnL: r.RealizedPnL, RealizedPnLPercent: r.RealizedPnLPercent,
		TotalPnL: r.TotalPnL, TotalPnLPercent: r.TotalPnLPercent,

		EntryFee: r.EntryFee, ExitFee: r.ExitFee, FundingFee: r.FundingFee, TotalFees: r.TotalFees,

		StopLoss:                    decimalPtr(r.StopLoss),
		TakeProfit:                  decimalPtr(r.TakeProfit),
		TrailingStop:                decimalPtr(r.TrailingStop),
		TrailingStopActivationPrice: decimalPtr(r.TrailingStopActivationPrice),

		LiquidationPrice: r.LiquidationPrice,
		HighestPrice:     r.HighestPrice,
		LowestPrice:      r.LowestPrice,

		Status:     domain.PositionStatus(r.Status),
		ExitPrice:  decimalPtr(r.ExitPrice),
		ExitReason: r.ExitReason,
		ClosedAt:   r.ClosedAt,

		OrderID: r.OrderID, StrategyID: r.StrategyID, BotID: r.BotID, SignalID: r.SignalID,
		Notes: r.Notes, Tags: r.Tags,

		OpenedAt: r.OpenedAt, UpdatedAt: r.UpdatedAt, Version: r.Version,
	}
}

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var r positionRow
	if err := row.Scan(r.targets()...); err != nil {
		return domain.Position{}, err
	}
	return r.toDomain(), nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	query := fmt.Sprintf("INSERT INTO positions (%s) VALUES (%s)",
		positionSelectCols, placeholders(1, len(positionColumns)+1))
	args := append(positionToRow(p).values(), p.Version)

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Conflictf("position %s already exists", p.ID)
		}
		return domain.NewStorageError("postgres: create position "+p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		return domain.Position{}, storageErr("postgres: get position "+id, err)
	}
	return p, nil
}

// List returns positions matching f, newest first.
func (s *PositionStore) List(ctx context.Context, f domain.PositionFilter) ([]domain.Position, error) {
	query, args := buildPositionQuery(f)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("postgres: list positions", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, domain.NewStorageError("postgres: scan positions", err)
	}
	return positions, nil
}

// UpdateIfVersion writes p when the stored version still equals version and
// the stored remaining quantity is not below the new one. The stored version
// is bumped by one. A failed guard returns ErrConflict.
func (s *PositionStore) UpdateIfVersion(ctx context.Context, p domain.Position, version int64) error {
	query, args := buildUpdateQuery(positionToRow(p), version)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return domain.NewStorageError("postgres: update position "+p.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)", p.ID,
	).Scan(&exists); err != nil {
		return domain.NewStorageError("postgres: check position "+p.ID, err)
	}
	if !exists {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return domain.Conflictf("position %s was modified concurrently (expected version %d)", p.ID, version)
}

// Delete removes a position. History and alerts cascade.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM positions WHERE id = $1", id)
	if err != nil {
		return domain.NewStorageError("postgres: delete position "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete position %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListOwners returns the distinct (user, tenant) pairs with live positions.
func (s *PositionStore) ListOwners(ctx context.Context) ([]domain.Owner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_id, tenant_id FROM positions
		WHERE status IN ('open', 'partial')
		ORDER BY user_id, tenant_id`)
	if err != nil {
		return nil, domain.NewStorageError("postgres: list owners", err)
	}
	defer rows.Close()

	var owners []domain.Owner
	for rows.Next() {
		var o domain.Owner
		if err := rows.Scan(&o.UserID, &o.TenantID); err != nil {
			return nil, domain.NewStorageError("postgres: scan owner", err)
		}
		owners = append(owners, o)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("postgres: list owners", err)
	}
	return owners, nil
}

// ListTerminalBefore returns up to limit terminal positions closed before
// the cutoff, oldest first.
func (s *PositionStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('closed', 'liquidated') AND closed_at < $1
		 ORDER BY closed_at
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, domain.NewStorageError("postgres: list terminal positions", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, domain.NewStorageError("postgres: scan terminal positions", err)
	}
	return positions, nil
}

// buildPositionQuery renders the SELECT for f. Zero filter fields are
// skipped; a non-positive Limit means no limit.
func buildPositionQuery(f domain.PositionFilter) (string, []any) {
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
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.ExchangeID != "" {
		add("exchange_id = $%d", f.ExchangeID)
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.Side != "" {
		add("side = $%d", string(f.Side))
	}
	if f.StrategyID != "" {
		add("strategy_id = $%d", f.StrategyID)
	}

	query := `SELECT ` + positionSelectCols + ` FROM positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY opened_at DESC, id"

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

// buildUpdateQuery renders the compare-and-set UPDATE. $1 is the id, the
// other columns follow positionColumns, and the expected version is last.
func buildUpdateQuery(r positionRow, version int64) (string, []any) {
	args := r.values()
	sets := make([]string, 0, len(positionColumns))
	remainingArg := 0
	for i, col := range positionColumns {
		if col == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
		if col == "remaining_quantity" {
			remainingArg = i + 1
		}
	}
	sets = append(sets, "version = version + 1")

	args = append(args, version)
	query := fmt.Sprintf(
		"UPDATE positions SET %s WHERE id = $1 AND version = $%d AND remaining_quantity >= $%d",
		strings.Join(sets, ", "), len(args), remainingArg,
	)
	return query, args
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

func nullDecimal(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func decimalPtr(v decimal.NullDecimal) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	d := v.Decimal
	return &d
}
