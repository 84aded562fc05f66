package httpapi

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mac-lisowski/reservation-ingest/internal/logging"
)

// requestLogger logs one structured line per request, the way the
// teacher's rc-server logs each served call.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.WithRequestID(r.Context(), chimiddleware.GetReqID(r.Context()))
		r = r.WithContext(ctx)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.Infof(ctx, logging.Subject(r.URL.Path), "%s %s %d %s",
			r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// authMiddleware gates every request behind the shared root API key
// (spec.md §6), checked against the X-Api-Key header.
func authMiddleware(rootAPIKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Api-Key") != rootAPIKey {
				writeError(w, http.StatusUnauthorized, errUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
