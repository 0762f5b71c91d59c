package relay

import (
	"log/slog"
	"net/http"

	"rtsp2hls/internal/admission"
	"rtsp2hls/internal/platform/logger"
	"rtsp2hls/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the relay routes. Only GET and HEAD are served; /metrics
// is registered when m is non-nil and bypasses admission control.
func NewRouter(h *Handler, c *admission.Controller, log *slog.Logger, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	if m != nil {
		r.Use(metrics.RequestMiddleware(m))
	}
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	if m != nil {
		r.Get(metrics.Path, m.Handler(func() { m.SetInflight(c.Outstanding()) }).ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(Admit(c, log, m))
		r.Get("/", h.Index)
		r.Head("/", h.Index)
		r.Get("/{name}", h.Serve)
		r.Head("/{name}", h.Serve)
	})

	return r
}
