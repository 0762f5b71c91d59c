package segments

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

var errNotMediaPlaylist = errors.New("playlist is not a media playlist")

// WindowSegment is one entry advertised by the playlist.
type WindowSegment struct {
	Name     string
	Sequence uint64
	Duration float64
}

// Window is the set of segments one playlist generation advertises.
type Window struct {
	MediaSequence  uint64
	TargetDuration float64
	Segments       []WindowSegment

	names map[string]uint64
	gen   generation
}

// generation identifies one on-disk version of the playlist.
type generation struct {
	info    fs.FileInfo
	size    int64
	modTime time.Time
}

// ParseWindow decodes a live media playlist and keeps the entries whose URI
// follows layout. Entries are returned in playlist order.
func ParseWindow(data []byte, layout Layout) (*Window, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, errNotMediaPlaylist
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, errNotMediaPlaylist
	}

	w := &Window{
		MediaSequence:  media.SeqNo,
		TargetDuration: media.TargetDuration,
		names:          make(map[string]uint64),
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		name := segmentNameFromURI(seg.URI)
		seq, ok := layout.ParseSegment(name)
		if !ok {
			continue
		}
		if _, dup := w.names[name]; dup {
			continue
		}
		w.names[name] = seq
		w.Segments = append(w.Segments, WindowSegment{Name: name, Sequence: seq, Duration: seg.Duration})
	}
	return w, nil
}

func segmentNameFromURI(uri string) string {
	uri, _, _ = strings.Cut(uri, "?")
	uri, _, _ = strings.Cut(uri, "#")
	return path.Base(strings.TrimSpace(uri))
}

// Contains reports whether the playlist advertises the named segment.
func (w *Window) Contains(name string) bool {
	if w == nil {
		return false
	}
	_, ok := w.names[name]
	return ok
}

// Len returns the number of advertised segments.
func (w *Window) Len() int {
	if w == nil {
		return 0
	}
	return len(w.Segments)
}

// First returns the lowest advertised sequence number.
func (w *Window) First() (uint64, bool) {
	if w.Len() == 0 {
		return 0, false
	}
	first := w.Segments[0].Sequence
	for _, s := range w.Segments[1:] {
		first = min(first, s.Sequence)
	}
	return first, true
}

// Last returns the highest advertised sequence number.
func (w *Window) Last() (uint64, bool) {
	if w.Len() == 0 {
		return 0, false
	}
	last := w.Segments[0].Sequence
	for _, s := range w.Segments[1:] {
		last = max(last, s.Sequence)
	}
	return last, true
}
