// Package app runs the transcoder supervisor, the segment store watcher and
// the HTTP relay under one lifetime.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"rtsp2hls/internal/admission"
	"rtsp2hls/internal/platform/config"
	"rtsp2hls/internal/platform/logger"
	"rtsp2hls/internal/platform/metrics"
	"rtsp2hls/internal/relay"
	"rtsp2hls/internal/segments"
	"rtsp2hls/internal/transcoder"
)

// App is one relay instance.
type App struct {
	cfg        config.Config
	log        *slog.Logger
	store      *segments.Store
	supervisor *transcoder.Supervisor
	admission  *admission.Controller
	router     http.Handler

	ready chan struct{}
	addr  net.Addr
}

// New builds an App that launches the transcoder selected in cfg.
func New(cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*App, error) {
	return NewWithLauncher(cfg, nil, log, m)
}

// NewWithLauncher builds an App around l. A nil launcher selects the
// configured external binary. Metrics may be nil.
func NewWithLauncher(cfg config.Config, l transcoder.Launcher, log *slog.Logger, m *metrics.Metrics) (*App, error) {
	opts := segments.DefaultOptions()
	opts.Retention = cfg.Retention
	if cfg.StableInterval > 0 {
		opts.StableInterval = cfg.StableInterval
	}
	store, err := segments.Open(cfg.TempDir, opts, logger.Component(log, "segments"), m)
	if err != nil {
		return nil, fmt.Errorf("open segment store: %w", err)
	}

	if l == nil {
		l = newLauncher(cfg, store, logger.Component(log, "transcoder"))
	}
	sup := transcoder.New(l, transcoder.Options{
		MinBackoff:   cfg.BackoffMin,
		MaxBackoff:   cfg.BackoffMax,
		StableAfter:  transcoder.DefaultOptions().StableAfter,
		StopGrace:    cfg.ShutdownGrace,
		Watchdog:     cfg.Watchdog,
		Progress:     store.Progress,
		NextSequence: store.NextSequence,
	}, logger.Component(log, "transcoder"), m)

	ctrl := admission.New(cfg.MaxConn)
	var handlerOpts []relay.Option
	if cfg.Transcoder != config.TranscoderFFmpeg {
		// gst-launch numbers every run from zero.
		handlerOpts = append(handlerOpts, relay.WithReusedSegmentNames())
	}
	h := relay.NewHandler(store, logger.Component(log, "relay"), m, handlerOpts...)
	if !cfg.Metrics {
		m = nil
	}

	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		supervisor: sup,
		admission:  ctrl,
		router:     relay.NewRouter(h, ctrl, logger.Component(log, "http"), m),
		ready:      make(chan struct{}),
	}, nil
}

func newLauncher(cfg config.Config, store *segments.Store, log *slog.Logger) transcoder.Launcher {
	layout := store.Layout()
	args := transcoder.ArgOptions{
		Source:         cfg.Source,
		VerifyTLS:      cfg.VerifyTLS,
		SegmentLength:  cfg.SegmentLength,
		PlaylistLength: cfg.PlaylistLength,
		MaxFiles:       cfg.Retention,
		PlaylistName:   layout.PlaylistName,
		SegmentPattern: layout.SegmentPattern(),
	}
	if cfg.Transcoder == config.TranscoderFFmpeg {
		return transcoder.NewFFmpeg(cfg.TranscoderBin, store.Dir(), args, log)
	}
	return transcoder.NewGStreamer(cfg.TranscoderBin, store.Dir(), args, log)
}

// Ready is closed once the relay is accepting connections.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the listening address. Valid after Ready is closed.
func (a *App) Addr() net.Addr {
	return a.addr
}

// Supervisor exposes the transcoder supervisor for status checks.
func (a *App) Supervisor() *transcoder.Supervisor {
	return a.supervisor
}

// Run serves until ctx is cancelled. Shutdown stops accepting, drains
// in-flight responses for the grace period and then stops the transcoder.
// Only a failure to bind or serve is returned.
func (a *App) Run(ctx context.Context) error {
	srv, err := relay.Listen(a.cfg.Listen, a.router, a.cfg.ShutdownGrace, a.log)
	if err != nil {
		return err
	}
	a.addr = srv.Addr()
	close(a.ready)

	a.log.Info("relay listening",
		slog.String("addr", a.addr.String()),
		slog.String("source", redact(a.cfg.Source)),
		slog.String("dir", a.store.Dir()),
		slog.Int("max_conn", a.admission.Max()),
		slog.String("transcoder", a.cfg.Transcoder))

	watchCtx, stopWatch := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.store.Watch(watchCtx, pollInterval(a.cfg.SegmentLength))
	}()
	defer func() {
		stopWatch()
		wg.Wait()
	}()

	if err := a.supervisor.Start(context.Background()); err != nil {
		return err
	}

	serveErr := srv.Serve(ctx)
	if serveErr != nil {
		a.log.Error("relay stopped unexpectedly", slog.String("error", serveErr.Error()))
	}
	a.log.Info("stopping transcoder")
	a.supervisor.Stop()
	return serveErr
}

func pollInterval(segment time.Duration) time.Duration {
	if segment <= 0 {
		return time.Second
	}
	return segment
}

func redact(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
