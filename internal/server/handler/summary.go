package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// SummaryService reads and recomputes the stored portfolio summary.
type SummaryService interface {
	Get(ctx context.Context, userID, tenantID string) (domain.Summary, error)
	Recompute(ctx context.Context, userID, tenantID string) (domain.Summary, error)
}

// StatisticsService computes trading statistics on demand.
type StatisticsService interface {
	Get(ctx context.Context, userID, tenantID string) (domain.Statistics, error)
}

// SummaryHandler serves the aggregate endpoints.
type SummaryHandler struct {
	summaries SummaryService
	stats     StatisticsService
	logger    *slog.Logger
}

// NewSummaryHandler creates a SummaryHandler.
func NewSummaryHandler(summaries SummaryService, stats StatisticsService, logger *slog.Logger) *SummaryHandler {
	return &SummaryHandler{
		summaries: summaries,
		stats:     stats,
		logger:    logger.With(slog.String("handler", "summary")),
	}
}

// Get returns the stored summary, computing it on first access.
// GET /api/summary
func (h *SummaryHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := owner(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get summary", err)
		return
	}
	sum, err := h.summaries.Get(r.Context(), o.UserID, o.TenantID)
	if errors.Is(err, domain.ErrNotFound) {
		sum, err = h.summaries.Recompute(r.Context(), o.UserID, o.TenantID)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "get summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Refresh recomputes and stores the summary.
// POST /api/summary/refresh
func (h *SummaryHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	o, err := owner(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "refresh summary", err)
		return
	}
	sum, err := h.summaries.Recompute(r.Context(), o.UserID, o.TenantID)
	if err != nil {
		writeServiceError(w, r, h.logger, "refresh summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Statistics returns win/loss and holding-time statistics.
// GET /api/statistics
func (h *SummaryHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	o, err := owner(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "statistics", err)
		return
	}
	st, err := h.stats.Get(r.Context(), o.UserID, o.TenantID)
	if err != nil {
		writeServiceError(w, r, h.logger, "statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
