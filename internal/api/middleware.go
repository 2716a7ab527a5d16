package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs one line per request. Server errors log at error, client
// errors at warn, and the viewer's row refreshes and health checks at debug.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		var pattern string
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			pattern = rctx.RoutePattern()
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if targetID := chi.URLParam(r, "target_id"); targetID != "" {
			attrs = append(attrs, "target_id", targetID)
		}

		switch {
		case ww.Status() >= http.StatusInternalServerError:
			slog.Error("http request", attrs...)
		case ww.Status() >= http.StatusBadRequest:
			slog.Warn("http request", attrs...)
		case quietRoutes[pattern]:
			slog.Debug("http request", attrs...)
		default:
			slog.Info("http request", attrs...)
		}
	})
}

var quietRoutes = map[string]bool{
	"/health": true,
	"/api/v1/targets/{target_id}/network/requests/{request_id}/row": true,
}
