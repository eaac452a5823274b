package http

import (
	"mime"
	"net/http"

	"github.com/MidhunGopi/AeroLux/pkg/httputil"
	"github.com/MidhunGopi/AeroLux/pkg/logger"
)

// maxRequestBody caps booking request bodies. A saga request is a handful
// of ids and an amount.
const maxRequestBody = 64 << 10

// JSONBody rejects bodies that are not declared as JSON with 415 and caps
// what a handler can read at limit bytes. Requests without a body pass.
func JSONBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
				mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
				if err != nil || mediaType != "application/json" {
					httputil.WriteJSON(w, http.StatusUnsupportedMediaType, httputil.Response{Error: &httputil.ErrorResponse{
						Code:      "UNSUPPORTED_MEDIA_TYPE",
						Message:   "Content-Type must be application/json",
						RequestID: logger.CorrelationIDFromContext(r.Context()),
					}})
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
