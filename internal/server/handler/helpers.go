package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/server/middleware"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 50
	maxLimit     = 500
)

// writeJSON marshals v and writes it with status. A marshal failure falls
// back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the domain error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError answers with the status of err. Client errors carry the
// error text; server errors are logged and answered generically.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		writeError(w, status, err.Error())
		return
	}
	logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
	if status == http.StatusServiceUnavailable {
		writeError(w, status, "storage unavailable")
		return
	}
	writeError(w, status, "internal server error")
}

// decodeJSON reads a JSON body into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.Validationf("invalid request body: %v", err)
	}
	return nil
}

// owner returns the identity stored by middleware.Identity.
func owner(r *http.Request) (domain.Owner, error) {
	o, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		return domain.Owner{}, domain.Validationf("missing caller identity")
	}
	return o, nil
}

// parsePage extracts limit/offset. Defaults: limit=50 (max 500), offset=0.
func parsePage(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit = defaultLimit
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, maxLimit)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		offset = n
	}
	return limit, offset
}

// optionalPrice parses the price query parameter. Absent means nil.
func optionalPrice(r *http.Request) (*decimal.Decimal, error) {
	raw := r.URL.Query().Get("price")
	if raw == "" {
		return nil, nil
	}
	p, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, domain.Validationf("price %q is not a number", raw)
	}
	return &p, nil
}

// priceBody is the body of endpoints that evaluate a position at a price.
type priceBody struct {
	Price decimal.Decimal `json:"price"`
}

func decodePrice(w http.ResponseWriter, r *http.Request) (decimal.Decimal, error) {
	var body priceBody
	if err := decodeJSON(w, r, &body); err != nil {
		return decimal.Decimal{}, err
	}
	if !body.Price.IsPositive() {
		return decimal.Decimal{}, domain.Validationf("price must be positive")
	}
	return body.Price, nil
}
