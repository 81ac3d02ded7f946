package handler

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

type triggerResponse struct {
	PositionID string          `json:"position_id"`
	Price      decimal.Decimal `json:"price"`
	Triggered  bool            `json:"triggered"`
}

type liquidationResponse struct {
	PositionID       string          `json:"position_id"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

// PnL evaluates P&L at ?price, or at the stored current price.
// GET /api/positions/{id}/pnl
func (h *PositionHandler) PnL(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "pnl")
	if !ok {
		return
	}
	price, err := optionalPrice(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "pnl", err)
		return
	}
	pnl, err := h.positions.CalculatePnL(r.Context(), pos.ID, price)
	if err != nil {
		writeServiceError(w, r, h.logger, "pnl", err)
		return
	}
	writeJSON(w, http.StatusOK, pnl)
}

// Margin evaluates margin utilisation at ?price.
// GET /api/positions/{id}/margin
func (h *PositionHandler) Margin(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "margin")
	if !ok {
		return
	}
	price, err := optionalPrice(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "margin", err)
		return
	}
	m, err := h.positions.CalculateMargin(r.Context(), pos.ID, price)
	if err != nil {
		writeServiceError(w, r, h.logger, "margin", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// LiquidationPrice returns the price at which the position is liquidated.
// GET /api/positions/{id}/liquidation-price
func (h *PositionHandler) LiquidationPrice(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "liquidation price")
	if !ok {
		return
	}
	lp, err := h.positions.CalculateLiquidationPrice(r.Context(), pos.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, "liquidation price", err)
		return
	}
	writeJSON(w, http.StatusOK, liquidationResponse{PositionID: pos.ID, LiquidationPrice: lp})
}

// CheckStopLoss reports whether the stop-loss triggers at the body price.
// POST /api/positions/{id}/stop-loss/check
func (h *PositionHandler) CheckStopLoss(w http.ResponseWriter, r *http.Request) {
	h.checkTrigger(w, r, "check stop loss", h.positions.CheckStopLoss)
}

// CheckTakeProfit reports whether the take-profit triggers at the body price.
// POST /api/positions/{id}/take-profit/check
func (h *PositionHandler) CheckTakeProfit(w http.ResponseWriter, r *http.Request) {
	h.checkTrigger(w, r, "check take profit", h.positions.CheckTakeProfit)
}

type triggerCheck func(ctx context.Context, id string, price decimal.Decimal) (bool, error)

func (h *PositionHandler) checkTrigger(w http.ResponseWriter, r *http.Request, op string, check triggerCheck) {
	pos, ok := h.owned(w, r, op)
	if !ok {
		return
	}
	price, err := decodePrice(w, r)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	hit, err := check(r.Context(), pos.ID, price)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{PositionID: pos.ID, Price: price, Triggered: hit})
}

// TrailingStop ratchets the trailing stop at the body price.
// POST /api/positions/{id}/trailing-stop
func (h *PositionHandler) TrailingStop(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "trailing stop")
	if !ok {
		return
	}
	price, err := decodePrice(w, r)
	if err != nil {
		writeServiceError(w, r, h.logger, "trailing stop", err)
		return
	}
	h.respond(w, r, "trailing stop")(h.positions.UpdateTrailingStop(r.Context(), pos.ID, price))
}

// History returns the position's audit trail, oldest first.
// GET /api/positions/{id}/history
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "history")
	if !ok {
		return
	}
	entries, err := h.history.List(r.Context(), pos.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, "history", err)
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"position_id": pos.ID, "history": entries})
}

type appendHistoryRequest struct {
	Action  domain.HistoryAction `json:"action"`
	Changes map[string]any       `json:"changes"`
}

// AppendHistory records an externally observed action against the position.
// POST /api/positions/{id}/history
func (h *PositionHandler) AppendHistory(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.owned(w, r, "append history")
	if !ok {
		return
	}
	var req appendHistoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "append history", err)
		return
	}
	entry, err := h.history.Append(r.Context(), pos.ID, req.Action, req.Changes)
	if err != nil {
		writeServiceError(w, r, h.logger, "append history", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
