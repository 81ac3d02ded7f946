package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/metrics"
	"github.com/alanyoungcy/positionengine/internal/risk"
)

// PositionConfig holds the tunable lifecycle parameters.
type PositionConfig struct {
	ExitFeeRate decimal.Decimal
	MaxLeverage decimal.Decimal
	Thresholds  risk.Thresholds
}

// DefaultPositionConfig returns a 0.1% exit fee, 125x leverage cap and the
// default margin thresholds.
func DefaultPositionConfig() PositionConfig {
	return PositionConfig{
		ExitFeeRate: decimal.RequireFromString("0.001"),
		MaxLeverage: decimal.NewFromInt(125),
		Thresholds:  risk.DefaultThresholds(),
	}
}

// CreateRequest carries the fields of a new position.
type CreateRequest struct {
	UserID     string              `json:"-"`
	TenantID   string              `json:"-"`
	ExchangeID string              `json:"exchange_id"`
	Symbol     string              `json:"symbol"`
	Side       domain.PositionSide `json:"side"`
	Type       domain.PositionType `json:"type"`
	MarginType domain.MarginType   `json:"margin_type"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	// Leverage defaults to 1 when omitted.
	Leverage *decimal.Decimal `json:"leverage"`
	EntryFee decimal.Decimal  `json:"entry_fee"`

	StopLoss                    *decimal.Decimal `json:"stop_loss"`
	TakeProfit                  *decimal.Decimal `json:"take_profit"`
	TrailingStop                *decimal.Decimal `json:"trailing_stop"`
	TrailingStopActivationPrice *decimal.Decimal `json:"trailing_stop_activation_price"`

	OrderID    string   `json:"order_id"`
	StrategyID string   `json:"strategy_id"`
	BotID      string   `json:"bot_id"`
	SignalID   string   `json:"signal_id"`
	Notes      string   `json:"notes"`
	Tags       []string `json:"tags"`
}

// UpdateRequest carries a partial update. Nil fields are left unchanged; a
// zero risk parameter clears it.
type UpdateRequest struct {
	CurrentPrice                *decimal.Decimal `json:"current_price"`
	StopLoss                    *decimal.Decimal `json:"stop_loss"`
	TakeProfit                  *decimal.Decimal `json:"take_profit"`
	TrailingStop                *decimal.Decimal `json:"trailing_stop"`
	TrailingStopActivationPrice *decimal.Decimal `json:"trailing_stop_activation_price"`
	// FundingFee is added to the funding accumulator.
	FundingFee *decimal.Decimal `json:"funding_fee"`
	Notes      *string          `json:"notes"`
	Tags       []string         `json:"tags"`
}

// CloseRequest closes Quantity (default: everything remaining) at ExitPrice.
type CloseRequest struct {
	Quantity  *decimal.Decimal `json:"quantity"`
	ExitPrice decimal.Decimal  `json:"exit_price"`
	Reason    string           `json:"reason"`
}

// PositionService runs the position lifecycle: create, update, partial and
// full close, liquidation and deletion, plus the per-position risk checks.
//
// Every mutation is a read, a pure recompute and a compare-and-set write.
// A lost race surfaces as ErrConflict and is not retried. History, alert,
// event and summary emissions happen after the write commits and never fail
// the call.
type PositionService struct {
	positions domain.PositionStore
	history   *HistoryService
	alerts    *AlertService
	summaries *SummaryService
	publisher domain.EventPublisher
	metrics   *metrics.Metrics
	cfg       PositionConfig
	now       func() time.Time
	logger    *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
// publisher and m may be nil.
func NewPositionService(
	positions domain.PositionStore,
	history *HistoryService,
	alerts *AlertService,
	summaries *SummaryService,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
	cfg PositionConfig,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		history:   history,
		alerts:    alerts,
		summaries: summaries,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Create validates req and opens a new position.
func (s *PositionService) Create(ctx context.Context, req CreateRequest) (pos domain.Position, err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("create", start, err) }(time.Now())

	if req.Leverage == nil {
		one := decimal.NewFromInt(1)
		req.Leverage = &one
	}
	if req.MarginType == "" {
		req.MarginType = domain.MarginTypeCross
	}
	if err := s.validateCreate(req); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}
	leverage := *req.Leverage

	now := s.now()
	pos = domain.Position{
		ID:                          uuid.NewString(),
		UserID:                      req.UserID,
		TenantID:                    req.TenantID,
		ExchangeID:                  req.ExchangeID,
		Symbol:                      req.Symbol,
		Side:                        req.Side,
		Type:                        req.Type,
		EntryPrice:                  req.EntryPrice,
		CurrentPrice:                req.EntryPrice,
		Quantity:                    req.Quantity,
		RemainingQuantity:           req.Quantity,
		Leverage:                    leverage,
		MarginType:                  req.MarginType,
		MarginUsed:                  risk.MarginUsed(req.Quantity, req.EntryPrice, leverage),
		EntryFee:                    req.EntryFee,
		StopLoss:                    nonZero(req.StopLoss),
		TakeProfit:                  nonZero(req.TakeProfit),
		TrailingStop:                nonZero(req.TrailingStop),
		TrailingStopActivationPrice: nonZero(req.TrailingStopActivationPrice),
		LiquidationPrice:            risk.LiquidationPrice(req.Side, req.EntryPrice, leverage),
		HighestPrice:                req.EntryPrice,
		LowestPrice:                 req.EntryPrice,
		Status:                      domain.PositionStatusOpen,
		OrderID:                     req.OrderID,
		StrategyID:                  req.StrategyID,
		BotID:                       req.BotID,
		SignalID:                    req.SignalID,
		Notes:                       req.Notes,
		Tags:                        req.Tags,
		OpenedAt:                    now,
		UpdatedAt:                   now,
		Version:                     1,
	}
	pos.RecomputeFees()
	risk.ApplyPnL(&pos, pos.CurrentPrice)

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}

	s.metrics.RecordOpened(string(pos.Type), string(pos.Side))
	s.afterCommit(ctx, pos, domain.HistoryActionOpen, nil)
	s.recomputeSummary(ctx, pos.UserID, pos.TenantID)

	s.logger.InfoContext(ctx, "position_service: position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.String("entry_price", pos.EntryPrice.String()),
		slog.String("quantity", pos.Quantity.String()),
		slog.String("leverage", pos.Leverage.String()),
	)
	return pos, nil
}

// Get returns one position.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", id, err)
	}
	return pos, nil
}

// List returns positions matching filter.
func (s *PositionService) List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	positions, err := s.positions.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("position_service: list positions: %w", err)
	}
	return positions, nil
}

// Update applies req to a live position. A price change re-marks P&L and
// the price extremes. Every changed field lands in an "update" history entry.
// An update that changes nothing is not written.
func (s *PositionService) Update(ctx context.Context, id string, req UpdateRequest) (pos domain.Position, err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("update", start, err) }(time.Now())

	pos, err = s.loadLive(ctx, id, "update")
	if err != nil {
		return domain.Position{}, err
	}
	if err := validateUpdate(req); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: update %q: %w", id, err)
	}

	prev := pos.Version
	changes := make(map[string]any)

	if req.CurrentPrice != nil && !req.CurrentPrice.Equal(pos.CurrentPrice) {
		before := pos
		s.markToPrice(&pos, *req.CurrentPrice)
		remarkChanges(changes, before, pos)
	}
	setRisk(changes, "stop_loss", &pos.StopLoss, req.StopLoss)
	setRisk(changes, "take_profit", &pos.TakeProfit, req.TakeProfit)
	setRisk(changes, "trailing_stop", &pos.TrailingStop, req.TrailingStop)
	setRisk(changes, "trailing_stop_activation_price", &pos.TrailingStopActivationPrice, req.TrailingStopActivationPrice)

	if req.FundingFee != nil && !req.FundingFee.IsZero() {
		next := pos.FundingFee.Add(*req.FundingFee)
		changes["funding_fee"] = change(pos.FundingFee, next)
		pos.FundingFee = next
		pos.RecomputeFees()
	}
	if req.Notes != nil && *req.Notes != pos.Notes {
		changes["notes"] = domain.FieldChange{From: pos.Notes, To: *req.Notes}
		pos.Notes = *req.Notes
	}
	if req.Tags != nil && !slices.Equal(req.Tags, pos.Tags) {
		changes["tags"] = domain.FieldChange{From: pos.Tags, To: req.Tags}
		pos.Tags = req.Tags
	}

	if len(changes) == 0 {
		return pos, nil
	}
	if err := s.persist(ctx, &pos, prev, "update"); err != nil {
		return domain.Position{}, err
	}
	s.afterCommit(ctx, pos, domain.HistoryActionUpdate, changes)
	return pos, nil
}

// Close realizes req.Quantity of the position at req.ExitPrice. Closing the
// whole remainder moves it to closed; anything less leaves it partial.
func (s *PositionService) Close(ctx context.Context, id string, req CloseRequest) (pos domain.Position, err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("close", start, err) }(time.Now())

	pos, err = s.loadLive(ctx, id, "close")
	if err != nil {
		return domain.Position{}, err
	}

	qty := pos.RemainingQuantity
	if req.Quantity != nil {
		qty = *req.Quantity
	}
	switch {
	case !qty.IsPositive():
		return domain.Position{}, fmt.Errorf("position_service: close %q: %w", id,
			domain.Validationf("close quantity must be positive"))
	case qty.GreaterThan(pos.RemainingQuantity):
		return domain.Position{}, fmt.Errorf("position_service: close %q: %w", id,
			domain.Validationf("close quantity %s exceeds remaining %s", qty, pos.RemainingQuantity))
	case !req.ExitPrice.IsPositive():
		return domain.Position{}, fmt.Errorf("position_service: close %q: %w", id,
			domain.Validationf("exit price must be positive"))
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}
	prev := pos.Version
	before := pos
	realized := s.realize(&pos, qty, req.ExitPrice)

	action := domain.HistoryActionPartialClose
	if pos.RemainingQuantity.IsZero() {
		action = domain.HistoryActionClose
		s.finish(&pos, domain.PositionStatusClosed, req.ExitPrice, reason)
	} else {
		pos.Status = domain.PositionStatusPartial
	}

	if err := s.persist(ctx, &pos, prev, "close"); err != nil {
		return domain.Position{}, err
	}

	s.metrics.RecordClosed(string(action))
	s.afterCommit(ctx, pos, action, closeChanges(before, pos, qty, req.ExitPrice, realized))
	s.recomputeSummary(ctx, pos.UserID, pos.TenantID)

	s.logger.InfoContext(ctx, "position_service: position closed",
		slog.String("position_id", pos.ID),
		slog.String("action", string(action)),
		slog.String("quantity", qty.String()),
		slog.String("exit_price", req.ExitPrice.String()),
		slog.String("realized_pnl", realized.String()),
		slog.String("remaining", pos.RemainingQuantity.String()),
	)
	return pos, nil
}

// Liquidate force-closes whatever remains of a live position at price.
func (s *PositionService) Liquidate(ctx context.Context, id string, price decimal.Decimal) (pos domain.Position, err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("liquidate", start, err) }(time.Now())

	pos, err = s.loadLive(ctx, id, "liquidate")
	if err != nil {
		return domain.Position{}, err
	}
	if !price.IsPositive() {
		return domain.Position{}, fmt.Errorf("position_service: liquidate %q: %w", id,
			domain.Validationf("liquidation price must be positive"))
	}

	prev := pos.Version
	before := pos
	qty := pos.RemainingQuantity
	realized := s.realize(&pos, qty, price)
	s.finish(&pos, domain.PositionStatusLiquidated, price, "liquidation")

	if err := s.persist(ctx, &pos, prev, "liquidate"); err != nil {
		return domain.Position{}, err
	}

	s.metrics.RecordClosed(string(domain.HistoryActionLiquidate))
	s.afterCommit(ctx, pos, domain.HistoryActionLiquidate, closeChanges(before, pos, qty, price, realized))
	s.recomputeSummary(ctx, pos.UserID, pos.TenantID)

	s.logger.WarnContext(ctx, "position_service: position liquidated",
		slog.String("position_id", pos.ID),
		slog.String("price", price.String()),
		slog.String("realized_pnl", pos.RealizedPnL.String()),
	)
	return pos, nil
}

// Delete removes a closed or liquidated position.
func (s *PositionService) Delete(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { s.metrics.ObserveOperation("delete", start, err) }(time.Now())

	pos, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !pos.Status.Terminal() {
		return fmt.Errorf("position_service: delete %q: %w", id,
			domain.Conflictf("position is %s, close before delete", pos.Status))
	}
	if err := s.positions.Delete(ctx, id); err != nil {
		return fmt.Errorf("position_service: delete %q: %w", id, err)
	}

	s.metrics.RecordDeleted()
	s.publish(ctx, pos, "position.deleted")
	s.recomputeSummary(ctx, pos.UserID, pos.TenantID)

	s.logger.InfoContext(ctx, "position_service: position deleted",
		slog.String("position_id", id),
	)
	return nil
}

// CheckStopLoss reports whether price has reached the stop-loss and raises a
// stop_loss_hit alert when it has. Terminal positions never trigger.
func (s *PositionService) CheckStopLoss(ctx context.Context, id string, price decimal.Decimal) (bool, error) {
	pos, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if pos.Status.Terminal() || !risk.StopLossHit(pos, price) {
		return false, nil
	}
	s.raise(ctx, pos, domain.AlertTypeStopLossHit, domain.AlertSeverityWarning,
		fmt.Sprintf("%s %s stop-loss %s hit at %s", pos.Symbol, pos.Side, pos.StopLoss, price),
		map[string]any{"price": price.String(), "stop_loss": pos.StopLoss.String()},
	)
	return true, nil
}

// CheckTakeProfit reports whether price has reached the take-profit and
// raises a take_profit_hit alert when it has.
func (s *PositionService) CheckTakeProfit(ctx context.Context, id string, price decimal.Decimal) (bool, error) {
	pos, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if pos.Status.Terminal() || !risk.TakeProfitHit(pos, price) {
		return false, nil
	}
	s.raise(ctx, pos, domain.AlertTypeTakeProfitHit, domain.AlertSeverityInfo,
		fmt.Sprintf("%s %s take-profit %s hit at %s", pos.Symbol, pos.Side, pos.TakeProfit, price),
		map[string]any{"price": price.String(), "take_profit": pos.TakeProfit.String()},
	)
	return true, nil
}

// UpdateTrailingStop ratchets the stop-loss toward price. The position is
// written only when the stop actually moved.
func (s *PositionService) UpdateTrailingStop(ctx context.Context, id string, price decimal.Decimal) (pos domain.Position, err error) {
	pos, err = s.loadLive(ctx, id, "trailing stop")
	if err != nil {
		return domain.Position{}, err
	}
	if !price.IsPositive() {
		return domain.Position{}, fmt.Errorf("position_service: trailing stop %q: %w", id,
			domain.Validationf("price must be positive"))
	}

	stop, moved := risk.TrailingStop(pos, price)
	if !moved {
		return pos, nil
	}

	prev := pos.Version
	changes := map[string]any{"stop_loss": changePtr(pos.StopLoss, &stop)}
	pos.StopLoss = &stop
	if err := s.persist(ctx, &pos, prev, "trailing_stop"); err != nil {
		return domain.Position{}, err
	}
	s.afterCommit(ctx, pos, domain.HistoryActionUpdate, changes)

	s.logger.DebugContext(ctx, "position_service: trailing stop moved",
		slog.String("position_id", pos.ID),
		slog.String("stop_loss", stop.String()),
	)
	return pos, nil
}

// CalculatePnL evaluates the position at price, or at its stored current
// price when price is nil.
func (s *PositionService) CalculatePnL(ctx context.Context, id string, price *decimal.Decimal) (risk.PnL, error) {
	pos, err := s.Get(ctx, id)
	if err != nil {
		return risk.PnL{}, err
	}
	return risk.CalculatePnL(pos, priceOr(price, pos.CurrentPrice)), nil
}

// CalculateMargin evaluates margin utilisation at price, or at the stored
// current price when price is nil.
func (s *PositionService) CalculateMargin(ctx context.Context, id string, price *decimal.Decimal) (risk.Margin, error) {
	pos, err := s.Get(ctx, id)
	if err != nil {
		return risk.Margin{}, err
	}
	return risk.CalculateMargin(pos, priceOr(price, pos.CurrentPrice), s.cfg.Thresholds), nil
}

// CalculateLiquidationPrice returns the liquidation price of the position,
// zero when it is unlevered.
func (s *PositionService) CalculateLiquidationPrice(ctx context.Context, id string) (decimal.Decimal, error) {
	pos, err := s.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return risk.LiquidationPrice(pos.Side, pos.EntryPrice, pos.Leverage), nil
}

// loadLive fetches a position and rejects terminal ones with ErrConflict.
func (s *PositionService) loadLive(ctx context.Context, id, op string) (domain.Position, error) {
	pos, err := s.Get(ctx, id)
	if err != nil {
		return domain.Position{}, err
	}
	if pos.Status.Terminal() {
		return domain.Position{}, fmt.Errorf("position_service: %s %q: %w", op, id,
			domain.Conflictf("position is %s", pos.Status))
	}
	return pos, nil
}

// persist writes pos if the stored version is still prev.
func (s *PositionService) persist(ctx context.Context, pos *domain.Position, prev int64, op string) error {
	pos.Version = prev + 1
	pos.UpdatedAt = s.now()
	if err := s.positions.UpdateIfVersion(ctx, *pos, prev); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.metrics.RecordStaleWrite(op)
		}
		return fmt.Errorf("position_service: %s %q: %w", op, pos.ID, err)
	}
	return nil
}

// markToPrice moves the position to price and re-marks everything derived
// from it.
func (s *PositionService) markToPrice(pos *domain.Position, price decimal.Decimal) {
	pos.CurrentPrice = price
	if price.GreaterThan(pos.HighestPrice) {
		pos.HighestPrice = price
	}
	if pos.LowestPrice.IsZero() || price.LessThan(pos.LowestPrice) {
		pos.LowestPrice = price
	}
	risk.ApplyPnL(pos, price)
}

// realize books qty at exitPrice: realized P&L and exit fee accumulate, the
// remainder shrinks and P&L is re-marked at the last known price. It returns
// the P&L realized by this slice.
func (s *PositionService) realize(pos *domain.Position, qty, exitPrice decimal.Decimal) decimal.Decimal {
	realized := risk.RealizedPnL(*pos, qty, exitPrice)

	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.ExitFee = pos.ExitFee.Add(exitPrice.Mul(qty).Mul(s.cfg.ExitFeeRate))
	pos.RecomputeFees()
	pos.RemainingQuantity = pos.RemainingQuantity.Sub(qty)
	pos.MarginUsed = risk.MarginUsed(pos.RemainingQuantity, pos.EntryPrice, pos.Leverage)
	risk.ApplyPnL(pos, pos.CurrentPrice)
	return realized
}

// finish moves a flat position into a terminal status.
func (s *PositionService) finish(pos *domain.Position, status domain.PositionStatus, exitPrice decimal.Decimal, reason string) {
	closedAt := s.now()
	pos.Status = status
	pos.ExitPrice = &exitPrice
	pos.ExitReason = reason
	pos.ClosedAt = &closedAt
	pos.RemainingQuantity = decimal.Zero
	pos.MarginUsed = decimal.Zero
	pos.UnrealizedPnL = decimal.Zero
	pos.UnrealizedPnLPercent = decimal.Zero
	pos.TotalPnL = pos.RealizedPnL
	pos.TotalPnLPercent = pos.RealizedPnLPercent
}

// afterCommit records history and publishes the mutation. Failures are
// logged and counted.
func (s *PositionService) afterCommit(ctx context.Context, pos domain.Position, action domain.HistoryAction, changes map[string]any) {
	if s.history != nil {
		if _, err := s.history.Record(ctx, pos, action, changes); err != nil {
			s.metrics.RecordSideEffectFailure("history")
			s.logger.WarnContext(ctx, "position_service: history append failed",
				slog.String("position_id", pos.ID),
				slog.String("action", string(action)),
				slog.String("error", err.Error()),
			)
		}
	}
	s.publish(ctx, pos, "position."+string(action))
}

func (s *PositionService) publish(ctx context.Context, pos domain.Position, eventType string) {
	if s.publisher == nil {
		return
	}
	evt := domain.Event{
		Type:       eventType,
		PositionID: pos.ID,
		UserID:     pos.UserID,
		TenantID:   pos.TenantID,
		Payload:    pos,
		OccurredAt: s.now(),
	}
	if err := s.publisher.Publish(ctx, domain.TopicPositions, evt); err != nil {
		s.metrics.RecordSideEffectFailure("position_event")
		s.logger.WarnContext(ctx, "position_service: publish event failed",
			slog.String("position_id", pos.ID),
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) recomputeSummary(ctx context.Context, userID, tenantID string) {
	if s.summaries == nil {
		return
	}
	if _, err := s.summaries.Recompute(ctx, userID, tenantID); err != nil {
		s.metrics.RecordSideEffectFailure("summary")
		s.logger.WarnContext(ctx, "position_service: summary recompute failed",
			slog.String("user_id", userID),
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) raise(ctx context.Context, pos domain.Position, typ domain.AlertType, sev domain.AlertSeverity, msg string, alertCtx map[string]any) {
	if s.alerts == nil {
		return
	}
	_, err := s.alerts.Create(ctx, CreateAlertRequest{
		PositionID: pos.ID,
		UserID:     pos.UserID,
		TenantID:   pos.TenantID,
		Type:       typ,
		Severity:   sev,
		Message:    msg,
		Context:    alertCtx,
	})
	if err != nil {
		s.metrics.RecordSideEffectFailure("alert")
		s.logger.WarnContext(ctx, "position_service: raise alert failed",
			slog.String("position_id", pos.ID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) validateCreate(req CreateRequest) error {
	var problems []string
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.TenantID) == "" {
		problems = append(problems, "user and tenant are required")
	}
	if strings.TrimSpace(req.ExchangeID) == "" {
		problems = append(problems, "exchange_id is required")
	}
	if strings.TrimSpace(req.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}
	if !req.Side.Valid() {
		problems = append(problems, fmt.Sprintf("side %q is invalid", req.Side))
	}
	if !req.Type.Valid() {
		problems = append(problems, fmt.Sprintf("type %q is invalid", req.Type))
	}
	if !req.MarginType.Valid() {
		problems = append(problems, fmt.Sprintf("margin_type %q is invalid", req.MarginType))
	}
	if !req.Quantity.IsPositive() {
		problems = append(problems, "quantity must be positive")
	}
	if !req.EntryPrice.IsPositive() {
		problems = append(problems, "entry_price must be positive")
	}
	leverage := decimal.NewFromInt(1)
	if req.Leverage != nil {
		leverage = *req.Leverage
	}
	if leverage.LessThan(decimal.NewFromInt(1)) || leverage.GreaterThan(s.cfg.MaxLeverage) {
		problems = append(problems, fmt.Sprintf("leverage %s outside [1, %s]", leverage, s.cfg.MaxLeverage))
	}
	if req.Type == domain.PositionTypeSpot && !leverage.Equal(decimal.NewFromInt(1)) {
		problems = append(problems, "spot positions cannot be levered")
	}
	if req.EntryFee.IsNegative() {
		problems = append(problems, "entry_fee cannot be negative")
	}
	problems = append(problems, riskProblems(req.StopLoss, req.TakeProfit, req.TrailingStop, req.TrailingStopActivationPrice)...)

	if len(problems) > 0 {
		return domain.Validationf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func validateUpdate(req UpdateRequest) error {
	var problems []string
	if req.CurrentPrice != nil && !req.CurrentPrice.IsPositive() {
		problems = append(problems, "current_price must be positive")
	}
	problems = append(problems, riskProblems(req.StopLoss, req.TakeProfit, req.TrailingStop, req.TrailingStopActivationPrice)...)
	if len(problems) > 0 {
		return domain.Validationf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func riskProblems(stop, take, trail, activation *decimal.Decimal) []string {
	var problems []string
	if stop != nil && stop.IsNegative() {
		problems = append(problems, "stop_loss cannot be negative")
	}
	if take != nil && take.IsNegative() {
		problems = append(problems, "take_profit cannot be negative")
	}
	if trail != nil && (trail.IsNegative() || trail.GreaterThanOrEqual(decimal.NewFromInt(100))) {
		problems = append(problems, "trailing_stop must be a percent in [0, 100)")
	}
	if activation != nil && activation.IsNegative() {
		problems = append(problems, "trailing_stop_activation_price cannot be negative")
	}
	return problems
}

// setRisk applies an optional risk parameter update. Zero clears it.
func setRisk(changes map[string]any, name string, field **decimal.Decimal, next *decimal.Decimal) {
	if next == nil {
		return
	}
	target := nonZero(next)
	if equalPtr(*field, target) {
		return
	}
	changes[name] = changePtr(*field, target)
	*field = target
}

// remarkChanges records the price and every derived field a re-mark moved.
func remarkChanges(changes map[string]any, before, after domain.Position) {
	fields := []struct {
		name     string
		from, to decimal.Decimal
	}{
		{"current_price", before.CurrentPrice, after.CurrentPrice},
		{"highest_price", before.HighestPrice, after.HighestPrice},
		{"lowest_price", before.LowestPrice, after.LowestPrice},
		{"unrealized_pnl", before.UnrealizedPnL, after.UnrealizedPnL},
		{"unrealized_pnl_percent", before.UnrealizedPnLPercent, after.UnrealizedPnLPercent},
		{"total_pnl", before.TotalPnL, after.TotalPnL},
		{"total_pnl_percent", before.TotalPnLPercent, after.TotalPnLPercent},
	}
	for _, f := range fields {
		if !f.from.Equal(f.to) {
			changes[f.name] = change(f.from, f.to)
		}
	}
}

func closeChanges(before, after domain.Position, qty, price, realized decimal.Decimal) map[string]any {
	changes := map[string]any{
		"closed_quantity":    qty.String(),
		"exit_price":         price.String(),
		"realized_pnl_slice": realized.String(),
		"remaining_quantity": change(before.RemainingQuantity, after.RemainingQuantity),
		"realized_pnl":       change(before.RealizedPnL, after.RealizedPnL),
		"exit_fee":           change(before.ExitFee, after.ExitFee),
	}
	if before.Status != after.Status {
		changes["status"] = domain.FieldChange{From: before.Status, To: after.Status}
	}
	return changes
}

func change(from, to decimal.Decimal) domain.FieldChange {
	return domain.FieldChange{From: from.String(), To: to.String()}
}

func changePtr(from, to *decimal.Decimal) domain.FieldChange {
	var fc domain.FieldChange
	if from != nil {
		fc.From = from.String()
	}
	if to != nil {
		fc.To = to.String()
	}
	return fc
}

func nonZero(v *decimal.Decimal) *decimal.Decimal {
	if v == nil || v.IsZero() {
		return nil
	}
	c := *v
	return &c
}

func equalPtr(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func priceOr(price *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if price == nil || !price.IsPositive() {
		return fallback
	}
	return *price
}
