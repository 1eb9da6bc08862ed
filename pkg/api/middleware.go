package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/metered/pkg/observability"
)

// RequestContextMiddleware assigns each request an ID, stores the logger in
// the request context and logs the request on completion.
func (s *Server) RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := observability.WithRequestID(r.Context(), requestID)
		if s.logger != nil {
			ctx = observability.WithLogger(ctx, s.logger)
		}

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		if s.logger != nil {
			s.logger.WithFields(map[string]interface{}{
				"request_id":  requestID,
				"method":      r.Method,
				"path":        r.URL.Path,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Debug("request handled")
		}
	})
}
