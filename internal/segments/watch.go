package segments

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch refreshes the window and collects stale segments every time the
// playlist is replaced. Events come from fsnotify; poll is a fallback for
// filesystems that do not deliver them (0 disables it). Watch blocks until
// ctx is cancelled.
func (s *Store) Watch(ctx context.Context, poll time.Duration) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(s.dir)
	}
	if err != nil {
		s.log.Warn("directory watch unavailable, polling only",
			slog.String("dir", s.dir),
			slog.String("error", err.Error()))
		if watcher != nil {
			watcher.Close()
		}
		if poll <= 0 {
			poll = time.Second
		}
	} else {
		defer watcher.Close()
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	var tick <-chan time.Time
	if poll > 0 {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if s.isPlaylistEvent(ev) {
				s.refresh(ctx)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.log.Warn("directory watch error", slog.String("error", err.Error()))
		case <-tick:
			s.refresh(ctx)
		}
	}
}

func (s *Store) isPlaylistEvent(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != s.opts.Layout.PlaylistName {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)
}

func (s *Store) refresh(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrNotFound) && ctx.Err() == nil {
		s.log.Debug("playlist refresh failed", slog.String("error", err.Error()))
	}
}
