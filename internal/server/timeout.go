package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware caps the lifetime of a request's context. Handlers
// must observe ctx.Done() for the cap to take effect; the upstream
// round trip and the token refresh path both do.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
