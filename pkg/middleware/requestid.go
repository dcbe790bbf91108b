package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/parcelworks/mailroom/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID assigns each request an id, honouring one supplied by the
// caller, and threads it through the logger context and response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(requestIDHeader, id)
		ctx := logger.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
