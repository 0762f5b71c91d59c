// Package transcoder supervises the external process that turns the RTSP
// source into HLS files. The process is restarted with exponential backoff
// whenever it exits on its own and is only stopped on request.
package transcoder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rtsp2hls/internal/platform/metrics"
)

// ErrAlreadyStarted is returned by Start on a supervisor that is running.
var ErrAlreadyStarted = errors.New("transcoder supervisor already started")

// State is the lifecycle state of the supervised process.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Exited
	Killed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the supervisor.
type Status struct {
	State    State
	Pid      int
	ExitCode int
	Restarts int
	LastErr  string
}

// Options tune restart and shutdown behaviour.
type Options struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// StableAfter is how long a process must run before its exit resets
	// the backoff. Zero never resets.
	StableAfter time.Duration
	StopGrace   time.Duration
	// Watchdog kills a running process whose Progress has not advanced
	// within one period. Zero disables it.
	Watchdog time.Duration
	// Progress reports the newest segment sequence on disk.
	Progress func() (uint64, bool)
	// NextSequence is the sequence handed to each launch.
	NextSequence func() uint64
}

// DefaultOptions returns the production restart policy.
func DefaultOptions() Options {
	return Options{
		MinBackoff:  time.Second,
		MaxBackoff:  30 * time.Second,
		StableAfter: 30 * time.Second,
		StopGrace:   10 * time.Second,
	}
}

// Supervisor keeps at most one transcoder process running.
type Supervisor struct {
	launcher Launcher
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}

	// onBackoff observes every restart delay.
	onBackoff func(time.Duration)
}

// New creates a stopped supervisor.
func New(l Launcher, opts Options, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	def := DefaultOptions()
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = def.MinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(def.MaxBackoff, opts.MinBackoff)
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = def.StopGrace
	}
	return &Supervisor{
		launcher: l,
		opts:     opts,
		log:      log,
		metrics:  m,
	}
}

// Start launches the process and returns immediately. Restarts continue
// until Stop is called or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.State = Starting
	go s.run(ctx, s.done)
	return nil
}

// Stop signals the process to terminate, force-kills it after the grace
// period and waits for the supervisor to settle in Stopped. It is safe to
// call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	if s.done == done {
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Status returns the current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Running reports whether a process is currently alive.
func (s *Supervisor) Running() bool {
	return s.Status().State == Running
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setStopped()

	backoff := NewBackoff(s.opts.MinBackoff, s.opts.MaxBackoff)
	for {
		s.setState(Starting)
		start := uint64(0)
		if s.opts.NextSequence != nil {
			start = s.opts.NextSequence()
		}

		proc, err := s.launcher.Launch(start)
		if err != nil {
			s.log.Error("transcoder launch failed", slog.String("error", err.Error()))
			s.setExited(Exited, -1, err)
		} else {
			s.setRunning(proc.Pid())
			s.log.Info("transcoder started",
				slog.Int("pid", proc.Pid()),
				slog.Uint64("start_sequence", start))

			began := time.Now()
			state, stopped, err := s.monitor(ctx, proc)
			if stopped {
				s.log.Info("transcoder stopped", slog.Int("pid", proc.Pid()))
				return
			}
			if s.opts.StableAfter > 0 && time.Since(began) >= s.opts.StableAfter {
				backoff.Reset()
			}
			code := exitCode(err)
			s.setExited(state, code, err)
			attrs := []any{slog.Int("pid", proc.Pid()), slog.Int("code", code)}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			s.log.Warn("transcoder exited", attrs...)
		}

		delay := backoff.Next()
		if s.metrics != nil {
			s.metrics.IncTranscoderRestarts()
		}
		if s.onBackoff != nil {
			s.onBackoff(delay)
		}
		s.log.Info("transcoder restart scheduled", slog.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// monitor waits for proc to exit. It reports the state the exit left the
// process in, whether shutdown caused it, and the Wait error.
func (s *Supervisor) monitor(ctx context.Context, proc Process) (State, bool, error) {
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	var tick <-chan time.Time
	var last uint64
	var lastOK bool
	if s.opts.Watchdog > 0 && s.opts.Progress != nil {
		ticker := time.NewTicker(s.opts.Watchdog)
		defer ticker.Stop()
		tick = ticker.C
		last, lastOK = s.opts.Progress()
	}

	for {
		select {
		case err := <-exited:
			return Exited, false, err
		case <-ctx.Done():
			s.terminate(proc, exited)
			return Stopped, true, nil
		case <-tick:
			cur, ok := s.opts.Progress()
			if ok && (!lastOK || cur != last) {
				last, lastOK = cur, ok
				continue
			}
			s.log.Warn("transcoder stalled, killing",
				slog.Int("pid", proc.Pid()),
				slog.Duration("period", s.opts.Watchdog))
			if err := proc.Kill(); err != nil {
				s.log.Warn("kill failed", slog.String("error", err.Error()))
			}
			return Killed, false, <-exited
		}
	}
}

func (s *Supervisor) terminate(proc Process, exited <-chan error) {
	if err := proc.Signal(gracefulSignal()); err != nil {
		s.log.Debug("graceful signal failed", slog.String("error", err.Error()))
	}
	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-exited:
		return
	case <-timer.C:
	}

	s.log.Warn("transcoder ignored termination, killing",
		slog.Int("pid", proc.Pid()),
		slog.Duration("grace", s.opts.StopGrace))
	s.setState(Killed)
	if err := proc.Kill(); err != nil {
		s.log.Warn("kill failed", slog.String("error", err.Error()))
	}
	<-exited
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}

func (s *Supervisor) setRunning(pid int) {
	s.mu.Lock()
	s.status.State = Running
	s.status.Pid = pid
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetTranscoderRunning(true)
	}
}

func (s *Supervisor) setExited(state State, code int, err error) {
	s.mu.Lock()
	s.status.State = state
	s.status.Pid = 0
	s.status.ExitCode = code
	s.status.Restarts++
	s.status.LastErr = ""
	if err != nil {
		s.status.LastErr = err.Error()
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetTranscoderRunning(false)
	}
}

func (s *Supervisor) setStopped() {
	s.mu.Lock()
	s.status.State = Stopped
	s.status.Pid = 0
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetTranscoderRunning(false)
	}
}
