package proxy

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hybridcast/internal/platform/bodylimit"
	"hybridcast/internal/platform/logger"
	"hybridcast/internal/platform/metrics"
)

// NewRouter mounts the proxy endpoints behind request logging, panic
// recovery, request metrics and the body limit.
func NewRouter(h *Handler, sink *metrics.Sink, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(logger.Recoverer(log))
	r.Use(metrics.RequestMiddleware(sink))
	r.Use(bodylimit.Middleware(MaxBodyBytes))

	r.Get("/time", h.Time)
	r.Method(http.MethodGet, "/metrics", sink.Handler(nil))
	r.HandleFunc("/*", h.Serve)
	return r
}
