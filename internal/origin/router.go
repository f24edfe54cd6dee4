package origin

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hybridcast/internal/platform/bodylimit"
	"hybridcast/internal/platform/logger"
	"hybridcast/internal/platform/metrics"
)

// NewRouter mounts the origin endpoints.
func NewRouter(h *Handler, sink *metrics.Sink, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(logger.Recoverer(log))
	r.Use(metrics.RequestMiddleware(sink))
	r.Use(bodylimit.Middleware(MaxBodyBytes))
	r.Use(h.TrackInterface)

	r.Get("/time", h.Time)
	r.Get("/metric", h.Metric)
	r.Get("/fdt", h.FDT)
	r.HandleFunc("/partial", h.Partial)
	r.Get("/*", h.Content)
	return r
}
