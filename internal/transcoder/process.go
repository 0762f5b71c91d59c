package transcoder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// Process is a running transcoder.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and must be called exactly once.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts transcoder processes. startSequence is the first segment
// number the new process should write.
type Launcher interface {
	Launch(startSequence uint64) (Process, error)
}

// Command launches an external binary in a fixed working directory.
type Command struct {
	Bin  string
	Dir  string
	Args func(startSequence uint64) []string
	Log  *slog.Logger
}

// NewGStreamer returns a Command running a gst-launch-1.0 hlssink pipeline.
func NewGStreamer(bin, dir string, o ArgOptions, log *slog.Logger) *Command {
	if bin == "" {
		bin = GStreamerBin
	}
	return &Command{
		Bin:  bin,
		Dir:  dir,
		Args: func(uint64) []string { return GStreamerArgs(o) },
		Log:  log,
	}
}

// NewFFmpeg returns a Command running ffmpeg's HLS muxer.
func NewFFmpeg(bin, dir string, o ArgOptions, log *slog.Logger) *Command {
	if bin == "" {
		bin = FFmpegBin
	}
	return &Command{
		Bin:  bin,
		Dir:  dir,
		Args: func(start uint64) []string { return FFmpegArgs(o, start) },
		Log:  log,
	}
}

// Launch implements Launcher.
func (c *Command) Launch(startSequence uint64) (Process, error) {
	cmd := exec.Command(c.Bin, c.Args(startSequence)...)
	cmd.Dir = c.Dir
	stderr := newTailBuffer(maxStderrTail)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Bin, err)
	}
	if c.Log != nil {
		c.Log.Debug("transcoder launched",
			slog.String("bin", c.Bin),
			slog.Int("pid", cmd.Process.Pid),
			slog.Uint64("start_sequence", startSequence))
	}
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err == nil {
		return nil
	}
	if line := p.stderr.LastLine(); line != "" {
		return fmt.Errorf("%w: %s", err, line)
	}
	return err
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// exitCode extracts the process exit code from a Wait error. Signal
// terminations and non-exit failures report -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
