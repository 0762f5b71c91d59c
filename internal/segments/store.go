// Package segments exposes the transcoder's working directory (one live
// playlist plus a rolling window of media segments) to concurrent readers.
//
// The writer is an external process that cannot be coordinated with, so the
// store never locks files. Playlist reads rely on the producer replacing the
// file by rename and are re-attempted when a read looks torn; segment reads
// are only allowed once the file is advertised and has stopped growing.
package segments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rtsp2hls/internal/platform/metrics"
)

var (
	// ErrInvalidPath is returned for request paths that could escape the
	// working directory.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound is returned when no such playlist or segment exists.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned for segments that fell out of the advertised window.
	ErrExpired = errors.New("segment expired")

	// ErrTransient is returned when a consistent read could not be obtained
	// within the retry budget.
	ErrTransient = errors.New("transient read failure")
)

// maxPlaylistBytes bounds a single playlist read.
const maxPlaylistBytes = 1 << 20

// Options tune the store's read and retention policy.
type Options struct {
	Layout Layout

	// Retention caps the number of segment files kept on disk. It must be
	// larger than the playlist length.
	Retention int

	// StableInterval separates the two size checks on a segment that may
	// still be growing; StableChecks bounds how many pairs are tried.
	StableInterval time.Duration
	StableChecks   int

	// PlaylistAttempts bounds re-reads of a playlist that looked torn.
	PlaylistAttempts int
	PlaylistRetryGap time.Duration
}

// DefaultOptions returns the policy used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Layout:           DefaultLayout(),
		Retention:        5,
		StableInterval:   250 * time.Millisecond,
		StableChecks:     3,
		PlaylistAttempts: 5,
		PlaylistRetryGap: 10 * time.Millisecond,
	}
}

// Store resolves request paths against one working directory.
type Store struct {
	dir     string
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	window atomic.Pointer[Window]
	gcMu   sync.Mutex
	// collected is the last window Collect ran against.
	collected atomic.Pointer[Window]
}

// Open prepares dir (creating it if needed) and returns a Store over it.
// Metrics may be nil.
func Open(dir string, opts Options, log *slog.Logger, m *metrics.Metrics) (*Store, error) {
	def := DefaultOptions()
	if opts.Layout.PlaylistName == "" {
		opts.Layout = def.Layout
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.StableInterval <= 0 {
		opts.StableInterval = def.StableInterval
	}
	if opts.StableChecks <= 0 {
		opts.StableChecks = def.StableChecks
	}
	if opts.PlaylistAttempts <= 0 {
		opts.PlaylistAttempts = def.PlaylistAttempts
	}
	if opts.PlaylistRetryGap <= 0 {
		opts.PlaylistRetryGap = def.PlaylistRetryGap
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return &Store{dir: abs, opts: opts, log: log, metrics: m}, nil
}

// Dir returns the absolute working directory.
func (s *Store) Dir() string {
	return s.dir
}

// Layout returns the naming convention in use.
func (s *Store) Layout() Layout {
	return s.opts.Layout
}

// Entry is a resolved file. Open may be called any number of times; each
// call yields the same bytes from the start.
type Entry struct {
	Name    string
	Kind    Kind
	Size    int64
	ModTime time.Time

	path string
	data []byte
}

// Open returns a reader over the entry's content, bounded to Size bytes.
func (e *Entry) Open() (io.ReadCloser, error) {
	if e.Kind == KindPlaylist {
		return io.NopCloser(bytes.NewReader(e.data)), nil
	}
	f, err := os.Open(e.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrExpired
		}
		return nil, err
	}
	return &limitedFile{Reader: io.LimitReader(f, e.Size), f: f}, nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error {
	return l.f.Close()
}

// Resolve maps a request path to the playlist or a servable segment.
func (s *Store) Resolve(ctx context.Context, requestPath string) (*Entry, error) {
	name, err := s.cleanName(requestPath)
	if err != nil {
		return nil, err
	}

	if name == s.opts.Layout.PlaylistName {
		data, info, err := s.readPlaylist(ctx)
		if err != nil {
			return nil, err
		}
		s.observe(data, info)
		return &Entry{
			Name:    name,
			Kind:    KindPlaylist,
			Size:    int64(len(data)),
			ModTime: info.ModTime(),
			data:    data,
		}, nil
	}

	seq, ok := s.opts.Layout.ParseSegment(name)
	if !ok {
		return nil, ErrNotFound
	}
	return s.resolveSegment(ctx, name, seq)
}

// cleanName reduces a request path to a bare file name inside the working
// directory. The directory is flat, so anything with a separator is refused.
func (s *Store) cleanName(requestPath string) (string, error) {
	name := strings.TrimPrefix(requestPath, "/")
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidPath
	}
	if strings.ContainsAny(name, `/\`+"\x00") || !filepath.IsLocal(name) {
		return "", ErrInvalidPath
	}
	full := filepath.Join(s.dir, name)
	if rel, err := filepath.Rel(s.dir, full); err != nil || rel != name {
		return "", ErrInvalidPath
	}
	return name, nil
}

func (s *Store) resolveSegment(ctx context.Context, name string, seq uint64) (*Entry, error) {
	w, err := s.currentWindow(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !w.Contains(name) {
		if first, ok := w.First(); ok && seq < first {
			return nil, ErrExpired
		}
		return nil, ErrNotFound
	}

	path := filepath.Join(s.dir, name)
	info, err := s.waitStable(ctx, path, seq)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Name:    name,
		Kind:    KindSegment,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		path:    path,
	}, nil
}

// waitStable returns the segment's stat once it is known to be complete:
// either the next sequence already exists (the producer only appends to the
// newest segment) or two stats StableInterval apart agree.
func (s *Store) waitStable(ctx context.Context, path string, seq uint64) (fs.FileInfo, error) {
	info, err := statSegment(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(s.dir, s.opts.Layout.SegmentName(seq+1))); err == nil {
		return info, nil
	}

	for i := 0; i < s.opts.StableChecks; i++ {
		if err := sleepCtx(ctx, s.opts.StableInterval); err != nil {
			return nil, err
		}
		next, err := statSegment(path)
		if err != nil {
			return nil, err
		}
		if next.Size() == info.Size() && next.ModTime().Equal(info.ModTime()) {
			return next, nil
		}
		info = next
	}
	return nil, fmt.Errorf("%w: segment %s still growing", ErrTransient, filepath.Base(path))
}

func statSegment(path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	return info, nil
}

// readPlaylist performs one open-and-read per attempt. An attempt counts only
// if the bytes read match the size of the file that was opened and look like
// a playlist; anything else is treated as a rewrite caught mid-flight.
func (s *Store) readPlaylist(ctx context.Context) ([]byte, fs.FileInfo, error) {
	path := filepath.Join(s.dir, s.opts.Layout.PlaylistName)

	for attempt := 0; attempt < s.opts.PlaylistAttempts; attempt++ {
		if attempt > 0 {
			if s.metrics != nil {
				s.metrics.IncPlaylistRetries()
			}
			if err := sleepCtx(ctx, s.opts.PlaylistRetryGap); err != nil {
				return nil, nil, err
			}
		}

		data, info, err := readOnce(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil, ErrNotFound
			}
			return nil, nil, err
		}
		if completeRead(data, info.Size()) {
			return data, info, nil
		}
		s.log.Debug("playlist read looked torn, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("read", len(data)),
			slog.Int64("size", info.Size()))
	}
	return nil, nil, fmt.Errorf("%w: playlist unstable after %d reads", ErrTransient, s.opts.PlaylistAttempts)
}

// completeRead reports whether data is the whole of a file of the given size
// and starts like a playlist. A shorter or longer read means the file was
// rewritten in place while it was being read.
func completeRead(data []byte, size int64) bool {
	return int64(len(data)) == size && bytes.HasPrefix(data, []byte("#EXTM3U"))
}

func readOnce(path string) ([]byte, fs.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(f, maxPlaylistBytes))
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}

// currentWindow returns the window of the playlist currently on disk, reusing
// the cached parse when the file has not changed.
func (s *Store) currentWindow(ctx context.Context) (*Window, error) {
	path := filepath.Join(s.dir, s.opts.Layout.PlaylistName)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if w := s.window.Load(); w != nil && w.gen.same(genOf(info)) {
		return w, nil
	}

	data, info, err := s.readPlaylist(ctx)
	if err != nil {
		return nil, err
	}
	w := s.observe(data, info)
	if w == nil {
		return nil, ErrNotFound
	}
	return w, nil
}

// observe parses a freshly read playlist and caches its window. The cached
// window is reused while the generation is unchanged.
func (s *Store) observe(data []byte, info fs.FileInfo) *Window {
	gen := genOf(info)
	if cur := s.window.Load(); cur != nil && cur.gen.same(gen) {
		return cur
	}
	w, err := ParseWindow(data, s.opts.Layout)
	if err != nil {
		s.log.Warn("unparsable playlist", slog.String("error", err.Error()))
		return s.window.Load()
	}
	w.gen = gen
	s.window.Store(w)
	return w
}

// Window returns the most recently observed playlist window, or nil.
func (s *Store) Window() *Window {
	return s.window.Load()
}

func genOf(info fs.FileInfo) generation {
	return generation{info: info, size: info.Size(), modTime: info.ModTime()}
}

// same reports whether both stats describe the same file version. A rename
// into place always changes the file identity even when size and mtime match.
func (g generation) same(o generation) bool {
	if g.info == nil || o.info == nil {
		return false
	}
	return os.SameFile(g.info, o.info) && g.size == o.size && g.modTime.Equal(o.modTime)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
