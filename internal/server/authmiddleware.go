package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/tjfontaine/llm-tenant-gateway/internal/auth"
	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
)

// Realm is the WWW-Authenticate realm advertised on 401 responses.
const Realm = "llm-tenant-gateway"

type tenantKey struct{}

// AuthMiddleware authenticates every request through the bearer-token
// gate and binds the resolved tenant to the request context. That
// binding is the only way downstream handlers learn the tenant; no
// header is consulted past this point.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, err := authenticator.Authenticate(r.Context(), r)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}

			AddLogField(r.Context(), "tenant_id", tenant.ID)
			ctx := context.WithValue(r.Context(), tenantKey{}, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext returns the tenant bound by AuthMiddleware, or nil
// outside an authenticated request.
func TenantFromContext(ctx context.Context) *domain.Tenant {
	t, _ := ctx.Value(tenantKey{}).(*domain.Tenant)
	return t
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var aerr *domain.AuthError
	if !errors.As(err, &aerr) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := aerr.HTTPStatusCode()
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+Realm+`"`)
	}
	http.Error(w, aerr.Error(), status)
}
