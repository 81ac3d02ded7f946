package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/risk"
	"github.com/alanyoungcy/positionengine/internal/service"
)

// PositionService is the lifecycle surface the position handler needs.
type PositionService interface {
	Create(ctx context.Context, req service.CreateRequest) (domain.Position, error)
	Get(ctx context.Context, id string) (domain.Position, error)
	List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error)
	Update(ctx context.Context, id string, req service.UpdateRequest) (domain.Position, error)
	Close(ctx context.Context, id string, req service.CloseRequest) (domain.Position, error)
	Liquidate(ctx context.Context, id string, price decimal.Decimal) (domain.Position, error)
	Delete(ctx context.Context, id string) error
	CheckStopLoss(ctx context.Context, id string, price decimal.Decimal) (bool, error)
	CheckTakeProfit(ctx context.Context, id string, price decimal.Decimal) (bool, error)
	UpdateTrailingStop(ctx context.Context, id string, price decimal.Decimal) (domain.Position, error)
	CalculatePnL(ctx context.Context, id string, price *decimal.Decimal) (risk.PnL, error)
	CalculateMargin(ctx context.Context, id string, price *decimal.Decimal) (risk.Margin, error)
	CalculateLiquidationPrice(ctx context.Context, id string) (decimal.Decimal, error)
}

// PositionHistory reads and appends to a position's audit trail.
type PositionHistory interface {
	List(ctx context.Context, positionID string) ([]domain.HistoryEntry, error)
	Append(ctx context.Context, positionID string, action domain.HistoryAction, changes map[string]any) (domain.HistoryEntry, error)
}

// PositionHandler serves the position lifecycle and risk endpoints. Every
// call is scoped to the caller; another owner's position answers 404.
type PositionHandler struct {
	positions PositionService
	history   PositionHistory
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, history PositionHistory, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		history:   history,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// Create opens a position for the caller.
// POST /api/positions
func (h *PositionHandler) Create(w http.ResponseWriter, r *http.Request) {
	o, err := owner(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "create position", err)
		return
	}
	var req service.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "create position", err)
		return
	}
	req.UserID, req.TenantID = o.UserID, o.TenantID

	pos, err := h.positions.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "create position", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// List returns the caller's positions.
// GET /api/positions?status=open,partial&symbol=&exchange_id=&side=&strategy_id=&limit=&offset=
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	o, err := owner(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	q := r.URL.Query()
	limit, offset := parsePage(r)

	filter := domain.PositionFilter{
		UserID:     o.UserID,
		TenantID:   o.TenantID,
		ExchangeID: q.Get("exchange_id"),
		Symbol:     q.Get("symbol"),
		Side:       domain.PositionSide(q.Get("side")),
		StrategyID: q.Get("strategy_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.Statuses = append(filter.Statuses, domain.PositionStatus(st))
			}
		}
	}

	positions, err := h.positions.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions, Limit: limit, Offset: offset})
}

// Get returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "get position")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Update changes price, risk parameters, funding, notes or tags.
// PATCH /api/positions/{id}
func (h *PositionHandler) Update(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "update position")
	if !ok {
		return
	}
	var req service.UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "update position", err)
		return
	}
	h.respond(w, r, "update position")(h.positions.Update(r.Context(), pos.ID, req))
}

// Close closes all or part of the remaining quantity.
// POST /api/positions/{id}/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "close position")
	if !ok {
		return
	}
	var req service.CloseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}
	h.respond(w, r, "close position")(h.positions.Close(r.Context(), pos.ID, req))
}

// Liquidate force-closes the position at the given price.
// POST /api/positions/{id}/liquidate
func (h *PositionHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "liquidate position")
	if !ok {
		return
	}
	price, err := decodePrice(w, r)
	if err != nil {
		writeServiceError(w, r, h.logger, "liquidate position", err)
		return
	}
	h.respond(w, r, "liquidate position")(h.positions.Liquidate(r.Context(), pos.ID, price))
}

// Delete removes a closed or liquidated position.
// DELETE /api/positions/{id}
func (h *PositionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "delete position")
	if !ok {
		return
	}
	if err := h.positions.Delete(r.Context(), pos.ID); err != nil {
		writeServiceError(w, r, h.logger, "delete position", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// owned loads the path position and checks it belongs to the caller.
func (h *PositionHandler) owned(w http.ResponseWriter, r *http.Request, op string) (domain.Position, bool) {
	o, err := owner(r)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return domain.Position{}, false
	}
	id := r.PathValue("id")
	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return domain.Position{}, false
	}
	if pos.UserID != o.UserID || pos.TenantID != o.TenantID {
		writeError(w, http.StatusNotFound, "position "+id+" not found")
		return domain.Position{}, false
	}
	return pos, true
}

func (h *PositionHandler) respond(w http.ResponseWriter, r *http.Request, op string) func(domain.Position, error) {
	return func(pos domain.Position, err error) {
		if err != nil {
			writeServiceError(w, r, h.logger, op, err)
			return
		}
		writeJSON(w, http.StatusOK, pos)
	}
}
