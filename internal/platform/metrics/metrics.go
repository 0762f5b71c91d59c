package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Path is where the scrape endpoint is mounted.
const Path = "/metrics"

// Metrics holds Prometheus counters and gauges for the relay.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	rejectedTotal        prometheus.Counter
	bytesServedTotal     prometheus.Counter
	inflightRequests     prometheus.Gauge
	requestDuration      prometheus.Histogram
	transcoderRestarts   prometheus.Counter
	transcoderRunning    prometheus.Gauge
	segmentsDeletedTotal prometheus.Counter
	playlistRetriesTotal prometheus.Counter
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp2hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp2hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp2hls_requests_rejected_total",
			Help: "Requests refused because the connection budget was exhausted",
		}),
		bytesServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp2hls_bytes_served_total",
			Help: "Playlist and segment bytes written to clients",
		}),
		inflightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtsp2hls_inflight_requests",
			Help: "Admitted requests currently holding a ticket",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtsp2hls_request_duration_seconds",
			Help:    "Time from admission to the last byte written",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 10},
		}),
		transcoderRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp2hls_transcoder_restarts_total",
			Help: "Number of times the transcoder exited and was scheduled for restart",
		}),
		transcoderRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtsp2hls_transcoder_running",
			Help: "1 while a transcoder process is running",
		}),
		segmentsDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp2hls_segments_deleted_total",
			Help: "Segment files removed by garbage collection",
		}),
		playlistRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsp2hls_playlist_read_retries_total",
			Help: "Playlist reads retried because a rewrite was observed mid-read",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.rejectedTotal,
		m.bytesServedTotal,
		m.inflightRequests,
		m.requestDuration,
		m.transcoderRestarts,
		m.transcoderRunning,
		m.segmentsDeletedTotal,
		m.playlistRetriesTotal,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncRejected counts a request turned away by admission control.
func (m *Metrics) IncRejected() {
	m.rejectedTotal.Inc()
}

// AddBytesServed adds n to the served bytes counter.
func (m *Metrics) AddBytesServed(n int64) {
	if n > 0 {
		m.bytesServedTotal.Add(float64(n))
	}
}

// SetInflight sets the in-flight requests gauge.
func (m *Metrics) SetInflight(n int) {
	m.inflightRequests.Set(float64(n))
}

// ObserveDuration records how long a request took to complete.
func (m *Metrics) ObserveDuration(d time.Duration) {
	m.requestDuration.Observe(d.Seconds())
}

// IncTranscoderRestarts counts a scheduled transcoder restart.
func (m *Metrics) IncTranscoderRestarts() {
	m.transcoderRestarts.Inc()
}

// SetTranscoderRunning sets the transcoder running gauge.
func (m *Metrics) SetTranscoderRunning(running bool) {
	if running {
		m.transcoderRunning.Set(1)
		return
	}
	m.transcoderRunning.Set(0)
}

// AddSegmentsDeleted adds n to the deleted segments counter.
func (m *Metrics) AddSegmentsDeleted(n int) {
	if n > 0 {
		m.segmentsDeletedTotal.Add(float64(n))
	}
}

// IncPlaylistRetries counts one retried playlist read.
func (m *Metrics) IncPlaylistRetries() {
	m.playlistRetriesTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. in-flight requests).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
