package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// requestIDKey identifies the request ID in a request context.
type requestIDKey struct{}

// RequestIDMiddleware assigns every request a fresh UUID, binds it to
// the context and echoes it back in the X-Request-ID response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID bound by RequestIDMiddleware, or
// an empty string when none is set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
