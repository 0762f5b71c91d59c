package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const readHeaderTimeout = 10 * time.Second

// Server owns the listening socket and drains in-flight responses on
// shutdown.
type Server struct {
	srv   *http.Server
	ln    net.Listener
	log   *slog.Logger
	grace time.Duration
}

// Listen binds addr. Serve must be called to start accepting.
func Listen(addr string, h http.Handler, grace time.Duration, log *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelDebug),
		},
		ln:    ln,
		log:   log,
		grace: grace,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then stops accepting,
// waits up to the grace period for in-flight responses and closes whatever
// is left.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("draining connections", slog.Duration("grace", s.grace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	if err != nil {
		s.log.Warn("drain incomplete, closing connections", slog.String("error", err.Error()))
		s.srv.Close()
	}
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
