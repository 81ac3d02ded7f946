package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Identity headers set by the upstream authenticating proxy.
const (
	HeaderUserID   = "X-User-ID"
	HeaderTenantID = "X-Tenant-ID"
)

type ownerKey struct{}

// WithOwner returns a context carrying owner.
func WithOwner(ctx context.Context, owner domain.Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the caller identity stored by Identity.
func OwnerFromContext(ctx context.Context) (domain.Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(domain.Owner)
	return o, ok
}

// OwnerFromRequest reads the identity headers. Browsers cannot set headers on
// websocket upgrades, so the user_id and tenant_id query parameters are
// accepted as a fallback.
func OwnerFromRequest(r *http.Request) (domain.Owner, bool) {
	o := domain.Owner{
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
	}
	if o.UserID == "" {
		o.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if o.TenantID == "" {
		o.TenantID = strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	}
	return o, o.UserID != "" && o.TenantID != ""
}

// Identity requires a (user, tenant) identity on every /api/ request except
// the exempt paths, and stores it in the request context.
func Identity(exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			owner := domain.Owner{
				UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
				TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
			}
			if owner.UserID == "" || owner.TenantID == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing X-User-ID or X-Tenant-ID header")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
