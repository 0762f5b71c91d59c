package segments

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rtsp2hls/internal/platform/logger"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts, logger.Discard(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.StableInterval = 5 * time.Millisecond
	opts.PlaylistRetryGap = time.Millisecond
	return opts
}

// buildPlaylist renders a live playlist advertising segments first..last.
func buildPlaylist(layout Layout, first, last uint64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-TARGETDURATION:1\n")
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", first))
	for seq := first; seq <= last; seq++ {
		b.WriteString("#EXTINF:1.0,\n")
		b.WriteString(layout.SegmentName(seq))
		b.WriteString("\n")
	}
	return b.String()
}

func segmentBytes(seq uint64) []byte {
	return []byte(fmt.Sprintf("segment-%d-payload", seq))
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// writeAtomic replaces name the way a well-behaved producer does: write a
// temporary file, then rename it into place.
func writeAtomic(t testing.TB, dir, name string, data []byte) {
	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		t.Errorf("create temp: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		t.Errorf("write temp: %v", err)
		return
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		t.Errorf("rename: %v", err)
	}
}

// seed writes a playlist advertising first..last and segment files for
// every sequence in present.
func seed(t *testing.T, s *Store, first, last uint64, present ...uint64) {
	t.Helper()
	layout := s.Layout()
	for _, seq := range present {
		writeFile(t, s.Dir(), layout.SegmentName(seq), segmentBytes(seq))
	}
	writeAtomic(t, s.Dir(), layout.PlaylistName, []byte(buildPlaylist(layout, first, last)))
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
