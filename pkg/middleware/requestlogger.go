package middleware

import (
	"log/slog"
	"net/http"

	"github.com/MidhunGopi/AeroLux/pkg/logger"
)

// HeaderSagaID ties a request to an existing saga instance, for resume calls
// and collaborator callbacks.
const HeaderSagaID = "X-Saga-ID"

// RequestLogger stores a logger carrying the request's correlation, saga and
// trace ids in the context, for handlers to fetch with logger.FromContext.
// It reads what RequestLogging and Tracing put there, so it mounts after
// both. A saga id already in the context beats the header, and a header
// that is not a plausible id is ignored.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if logger.SagaIDFromContext(ctx) == "" {
				if id := r.Header.Get(HeaderSagaID); validCorrelationID(id) {
					ctx = logger.WithSagaID(ctx, id)
				}
			}
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
