package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// AlertService is the alert surface the handler needs.
type AlertService interface {
	Get(ctx context.Context, id string) (domain.Alert, error)
	List(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error)
	Acknowledge(ctx context.Context, id, userID string) (domain.Alert, error)
}

// MarginChecker runs an on-demand margin scan for one owner.
type MarginChecker interface {
	CheckMarginCall(ctx context.Context, userID, tenantID string) ([]domain.Alert, error)
}

// AlertHandler serves alert listing, acknowledgement and margin checks.
type AlertHandler struct {
	alerts AlertService
	margin MarginChecker
	logger *slog.Logger
}

// NewAlertHandler creates an AlertHandler.
func NewAlertHandler(alerts AlertService, margin MarginChecker, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{
		alerts: alerts,
		margin: margin,
		logger: logger.With(slog.String("handler", "alerts")),
	}
}

type listAlertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
}

// List returns the caller's alerts, newest first.
// GET /api/alerts?position_id=&type=&acknowledged=&limit=&offset=
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	o, err := owner(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "list alerts", err)
		return
	}
	q := r.URL.Query()
	limit, offset := parsePage(r)

	filter := domain.AlertFilter{
		UserID:     o.UserID,
		TenantID:   o.TenantID,
		PositionID: q.Get("position_id"),
		Type:       domain.AlertType(q.Get("type")),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := q.Get("acknowledged"); raw != "" {
		ack, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "acknowledged must be true or false")
			return
		}
		filter.Acknowledged = &ack
	}

	alerts, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, listAlertsResponse{Alerts: alerts})
}

// Get returns one alert.
// GET /api/alerts/{id}
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	alert, ok := h.owned(w, r, "get alert")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Acknowledge marks an alert acknowledged by the caller. Repeating it keeps
// the first acknowledgement.
// POST /api/alerts/{id}/acknowledge
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	alert, ok := h.owned(w, r, "acknowledge alert")
	if !ok {
		return
	}
	o, _ := owner(r)
	acked, err := h.alerts.Acknowledge(r.Context(), alert.ID, o.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, "acknowledge alert", err)
		return
	}
	writeJSON(w, http.StatusOK, acked)
}

// MarginCheck scans the caller's live positions and returns the alerts raised.
// POST /api/margin/check
func (h *AlertHandler) MarginCheck(w http.ResponseWriter, r *http.Request) {
	o, err := owner(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "margin check", err)
		return
	}
	alerts, err := h.margin.CheckMarginCall(r.Context(), o.UserID, o.TenantID)
	if err != nil {
		writeServiceError(w, r, h.logger, "margin check", err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, listAlertsResponse{Alerts: alerts})
}

func (h *AlertHandler) owned(w http.ResponseWriter, r *http.Request, op string) (domain.Alert, bool) {
	o, err := owner(r)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return domain.Alert{}, false
	}
	id := r.PathValue("id")
	alert, err := h.alerts.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return domain.Alert{}, false
	}
	if alert.UserID != o.UserID || alert.TenantID != o.TenantID {
		writeError(w, http.StatusNotFound, "alert "+id+" not found")
		return domain.Alert{}, false
	}
	return alert, true
}
