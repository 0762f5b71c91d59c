// Package relay serves the working directory to HLS clients over HTTP.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"rtsp2hls/internal/platform/metrics"
	"rtsp2hls/internal/segments"
)

const (
	playlistCacheControl = "no-cache"
	segmentCacheControl  = "public, max-age=30"
	retryAfterSeconds    = "1"
)

// Option configures a Handler.
type Option func(*Handler)

// WithReusedSegmentNames tells clients to revalidate every segment. Use it
// when the transcoder restarts numbering at zero, since a name can then
// refer to different media from one run to the next.
func WithReusedSegmentNames() Option {
	return func(h *Handler) {
		h.segmentCache = playlistCacheControl
	}
}

// Resolver looks up playlist and segment entries by request path.
type Resolver interface {
	Resolve(ctx context.Context, requestPath string) (*segments.Entry, error)
	Layout() segments.Layout
}

// Handler serves store entries. Metrics may be nil.
type Handler struct {
	store        Resolver
	log          *slog.Logger
	metrics      *metrics.Metrics
	segmentCache string
}

// NewHandler returns a Handler reading from store.
func NewHandler(store Resolver, log *slog.Logger, m *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{store: store, log: log, metrics: m, segmentCache: segmentCacheControl}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Index handles GET / by redirecting to the playlist.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/"+h.store.Layout().PlaylistName, http.StatusTemporaryRedirect)
}

// Serve handles GET and HEAD for the playlist and segment files.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.Resolve(r.Context(), r.URL.Path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := entry.Open()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer body.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", entry.Kind.ContentType())
	hdr.Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	hdr.Set("Last-Modified", entry.ModTime.UTC().Format(http.TimeFormat))
	if entry.Kind == segments.KindPlaylist {
		hdr.Set("Cache-Control", playlistCacheControl)
	} else {
		hdr.Set("Cache-Control", h.segmentCache)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	n, err := copyBuffered(r.Context(), w, body)
	if h.metrics != nil {
		h.metrics.AddBytesServed(n)
	}
	if err != nil {
		h.log.Debug("response aborted",
			slog.String("path", r.URL.Path),
			slog.Int64("written", n),
			slog.Int64("size", entry.Size),
			slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, segments.ErrInvalidPath),
		errors.Is(err, segments.ErrNotFound),
		errors.Is(err, segments.ErrExpired):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, segments.ErrTransient):
		h.log.Info("transient read failure", slog.String("path", r.URL.Path))
		w.Header().Set("Retry-After", retryAfterSeconds)
		w.WriteHeader(http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away while waiting for a segment to settle.
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		h.log.Error("serve failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}
