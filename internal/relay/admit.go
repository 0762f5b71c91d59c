package relay

import (
	"log/slog"
	"net/http"

	"rtsp2hls/internal/admission"
	"rtsp2hls/internal/platform/metrics"
)

// Admit returns middleware that holds an admission ticket for the whole
// request. When the budget is exhausted the request is refused with 503
// instead of waiting.
func Admit(c *admission.Controller, log *slog.Logger, m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ticket, err := c.Acquire()
			if err != nil {
				if m != nil {
					m.IncRejected()
				}
				log.Debug("request rejected",
					slog.String("path", r.URL.Path),
					slog.Int("max", c.Max()))
				w.Header().Set("Retry-After", retryAfterSeconds)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			defer ticket.Release()
			next.ServeHTTP(w, r)
		})
	}
}
