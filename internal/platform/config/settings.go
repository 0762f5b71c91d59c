package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment variable names read by FromEnv.
const (
	EnvSource         = "RTSP2HLS_SOURCE"
	EnvListen         = "RTSP2HLS_LISTEN"
	EnvMaxConn        = "RTSP2HLS_MAXCONN"
	EnvTempDir        = "RTSP2HLS_TEMPDIR"
	EnvVerifyTLS      = "RTSP2HLS_VERIFYTLS"
	EnvTranscoder     = "RTSP2HLS_TRANSCODER"
	EnvTranscoderBin  = "RTSP2HLS_TRANSCODER_BIN"
	EnvSegmentSeconds = "RTSP2HLS_SEGMENT_SECONDS"
	EnvPlaylistLength = "RTSP2HLS_PLAYLIST_LENGTH"
	EnvRetention      = "RTSP2HLS_RETENTION"
	EnvStableInterval = "RTSP2HLS_STABLE_INTERVAL"
	EnvBackoffMin     = "RTSP2HLS_BACKOFF_MIN"
	EnvBackoffMax     = "RTSP2HLS_BACKOFF_MAX"
	EnvWatchdog       = "RTSP2HLS_WATCHDOG"
	EnvShutdownGrace  = "RTSP2HLS_SHUTDOWN_GRACE"
	EnvMetrics        = "RTSP2HLS_METRICS"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
)

// Defaults applied when a variable is unset.
const (
	DefaultListen     = "[::]:8080"
	DefaultMaxConn    = 1024
	DefaultTempDir    = "/tmp/rtsp2hls"
	DefaultTranscoder = TranscoderGStreamer
)

// Supported transcoders.
const (
	TranscoderGStreamer = "gstreamer"
	TranscoderFFmpeg    = "ffmpeg"
)

// ErrInvalid is matched by every error FromEnv returns.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError represents a field validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is reports ErrInvalid so callers can test for the configuration class.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// Config is the validated process configuration.
type Config struct {
	Source         string
	Listen         string
	MaxConn        int
	TempDir        string
	VerifyTLS      bool
	Transcoder     string
	TranscoderBin  string
	SegmentLength  time.Duration
	PlaylistLength int
	Retention      int
	StableInterval time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	Watchdog       time.Duration
	ShutdownGrace  time.Duration
	Metrics        bool
	LogLevel       string
	LogFormat      string
}

// FromEnv reads the configuration from the environment, creating and
// canonicalizing the working directory on the way.
func FromEnv() (Config, error) {
	var cfg Config

	cfg.Source = strings.TrimSpace(os.Getenv(EnvSource))
	if err := validateSource(cfg.Source); err != nil {
		return Config{}, err
	}

	cfg.Listen = GetEnv(EnvListen, DefaultListen)
	if err := validateListen(cfg.Listen); err != nil {
		return Config{}, err
	}

	maxConn, err := strictInt(EnvMaxConn, DefaultMaxConn)
	if err != nil {
		return Config{}, err
	}
	if maxConn < 1 {
		return Config{}, &ValidationError{Field: EnvMaxConn, Message: "must be at least 1"}
	}
	cfg.MaxConn = maxConn

	cfg.VerifyTLS = GetEnvBool(EnvVerifyTLS, true)

	cfg.Transcoder = strings.ToLower(GetEnv(EnvTranscoder, DefaultTranscoder))
	switch cfg.Transcoder {
	case TranscoderGStreamer, TranscoderFFmpeg:
	default:
		return Config{}, &ValidationError{Field: EnvTranscoder, Message: fmt.Sprintf("unknown transcoder %q", cfg.Transcoder)}
	}
	cfg.TranscoderBin = os.Getenv(EnvTranscoderBin)

	seconds, err := strictInt(EnvSegmentSeconds, 1)
	if err != nil {
		return Config{}, err
	}
	if seconds < 1 {
		return Config{}, &ValidationError{Field: EnvSegmentSeconds, Message: "must be at least 1"}
	}
	cfg.SegmentLength = time.Duration(seconds) * time.Second

	cfg.PlaylistLength, err = strictInt(EnvPlaylistLength, 3)
	if err != nil {
		return Config{}, err
	}
	if cfg.PlaylistLength < 1 {
		return Config{}, &ValidationError{Field: EnvPlaylistLength, Message: "must be at least 1"}
	}

	cfg.Retention, err = strictInt(EnvRetention, cfg.PlaylistLength+2)
	if err != nil {
		return Config{}, err
	}
	if cfg.Retention <= cfg.PlaylistLength {
		return Config{}, &ValidationError{
			Field:   EnvRetention,
			Message: fmt.Sprintf("must exceed the playlist length %d", cfg.PlaylistLength),
		}
	}

	cfg.StableInterval = GetEnvDuration(EnvStableInterval, 250*time.Millisecond)
	cfg.BackoffMin = GetEnvDuration(EnvBackoffMin, time.Second)
	cfg.BackoffMax = GetEnvDuration(EnvBackoffMax, 30*time.Second)
	if cfg.BackoffMin <= 0 || cfg.BackoffMax < cfg.BackoffMin {
		return Config{}, &ValidationError{Field: EnvBackoffMax, Message: "backoff bounds must satisfy 0 < min <= max"}
	}
	cfg.Watchdog = GetEnvDuration(EnvWatchdog, 10*cfg.SegmentLength)
	cfg.ShutdownGrace = GetEnvDuration(EnvShutdownGrace, 10*time.Second)
	cfg.Metrics = GetEnvBool(EnvMetrics, true)
	cfg.LogLevel = GetEnv(EnvLogLevel, "info")
	cfg.LogFormat = GetEnv(EnvLogFormat, "json")

	cfg.TempDir, err = prepareDir(GetEnv(EnvTempDir, DefaultTempDir))
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateSource(source string) error {
	if source == "" {
		return &ValidationError{Field: EnvSource, Message: "is required"}
	}
	u, err := url.Parse(source)
	if err != nil {
		return &ValidationError{Field: EnvSource, Message: err.Error()}
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps":
	default:
		return &ValidationError{Field: EnvSource, Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ValidationError{Field: EnvSource, Message: "missing host"}
	}
	return nil
}

func validateListen(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return &ValidationError{Field: EnvListen, Message: err.Error()}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return &ValidationError{Field: EnvListen, Message: fmt.Sprintf("invalid port %q", port)}
	}
	if host != "" {
		if _, err := netip.ParseAddr(host); err != nil {
			return &ValidationError{Field: EnvListen, Message: fmt.Sprintf("invalid host %q", host)}
		}
	}
	return nil
}

func strictInt(key string, fallback int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ValidationError{Field: key, Message: fmt.Sprintf("not an integer: %q", s)}
	}
	return n, nil
}

func prepareDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ValidationError{Field: EnvTempDir, Message: err.Error()}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &ValidationError{Field: EnvTempDir, Message: err.Error()}
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &ValidationError{Field: EnvTempDir, Message: err.Error()}
	}
	return canonical, nil
}
