package segments

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// segmentFile is a segment found on disk during a directory scan.
type segmentFile struct {
	name    string
	seq     uint64
	modTime time.Time
}

// Refresh re-reads the playlist and, when its window has not been collected
// yet, deletes segments it no longer needs. Request paths may have cached the
// window first; that does not skip collection. It returns the current window.
func (s *Store) Refresh(ctx context.Context) (*Window, error) {
	data, info, err := s.readPlaylist(ctx)
	if err != nil {
		return nil, err
	}
	w := s.observe(data, info)
	if w != nil && s.collected.Load() != w {
		s.Collect(w)
	}
	return w, nil
}

// Collect deletes segment files that w no longer references: every segment
// older than the first advertised sequence, then the oldest unreferenced
// files while more than Retention remain. Advertised segments are never
// removed. Failures are logged and skipped. It returns the number deleted.
func (s *Store) Collect(w *Window) int {
	if w == nil {
		return 0
	}
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	files, err := s.scan()
	if err != nil {
		s.log.Warn("segment scan failed", slog.String("error", err.Error()))
		return 0
	}
	s.collected.Store(w)

	first, hasFirst := w.First()
	deleted := 0
	var unreferenced []segmentFile
	kept := 0
	for _, f := range files {
		if w.Contains(f.name) {
			kept++
			continue
		}
		if hasFirst && f.seq < first {
			if s.remove(f.name) {
				deleted++
			}
			continue
		}
		unreferenced = append(unreferenced, f)
		kept++
	}

	// Unreferenced files newer than the window are either in progress or
	// left behind by an earlier transcoder run; trim by age.
	sort.Slice(unreferenced, func(i, j int) bool {
		return unreferenced[i].modTime.Before(unreferenced[j].modTime)
	})
	for _, f := range unreferenced {
		if kept <= s.opts.Retention {
			break
		}
		if s.remove(f.name) {
			deleted++
			kept--
		}
	}

	if deleted > 0 {
		s.log.Debug("segments collected",
			slog.Int("deleted", deleted),
			slog.Int("remaining", kept))
		if s.metrics != nil {
			s.metrics.AddSegmentsDeleted(deleted)
		}
	}
	return deleted
}

func (s *Store) remove(name string) bool {
	err := os.Remove(filepath.Join(s.dir, name))
	if err == nil {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("segment delete failed",
			slog.String("segment", name),
			slog.String("error", err.Error()))
	}
	return false
}

// scan lists the segment files currently in the working directory.
func (s *Store) scan() ([]segmentFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	files := make([]segmentFile, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		seq, ok := s.opts.Layout.ParseSegment(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, segmentFile{name: e.Name(), seq: seq, modTime: info.ModTime()})
	}
	return files, nil
}

// LatestSequence returns the highest segment sequence present on disk.
func (s *Store) LatestSequence() (uint64, bool) {
	files, err := s.scan()
	if err != nil || len(files) == 0 {
		return 0, false
	}
	latest := files[0].seq
	for _, f := range files[1:] {
		latest = max(latest, f.seq)
	}
	return latest, true
}

// NextSequence returns the sequence a freshly started transcoder should
// begin numbering at so it never reuses a name still on disk.
func (s *Store) NextSequence() uint64 {
	latest, ok := s.LatestSequence()
	if !ok {
		return 0
	}
	return latest + 1
}

// Progress reports the newest segment advertised by the playlist on disk.
// Unlike LatestSequence it ignores leftovers from an earlier run, so it
// only moves while the current transcoder is producing.
func (s *Store) Progress() (uint64, bool) {
	w, err := s.currentWindow(context.Background())
	if err != nil {
		return 0, false
	}
	return w.Last()
}
