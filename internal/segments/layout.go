package segments

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes the two file kinds a working directory holds.
type Kind int

const (
	KindPlaylist Kind = iota + 1
	KindSegment
)

// Content types understood by HLS players.
const (
	PlaylistContentType = "application/vnd.apple.mpegurl"
	SegmentContentType  = "video/mp2t"
)

func (k Kind) String() string {
	switch k {
	case KindPlaylist:
		return "playlist"
	case KindSegment:
		return "segment"
	default:
		return "unknown"
	}
}

// ContentType returns the HTTP content type for files of this kind.
func (k Kind) ContentType() string {
	if k == KindPlaylist {
		return PlaylistContentType
	}
	return SegmentContentType
}

// Layout is the naming convention shared by the transcoder and the store:
// one playlist plus segments named Prefix + zero-padded sequence + Suffix.
type Layout struct {
	PlaylistName   string
	SegmentPrefix  string
	SegmentSuffix  string
	SequenceDigits int
}

// DefaultLayout produces index.m3u8 and live-00000042.ts style names.
func DefaultLayout() Layout {
	return Layout{
		PlaylistName:   "index.m3u8",
		SegmentPrefix:  "live-",
		SegmentSuffix:  ".ts",
		SequenceDigits: 8,
	}
}

// SegmentName returns the file name of the segment with sequence seq.
func (l Layout) SegmentName(seq uint64) string {
	return fmt.Sprintf("%s%0*d%s", l.SegmentPrefix, l.SequenceDigits, seq, l.SegmentSuffix)
}

// SegmentPattern returns the printf-style pattern handed to the transcoder.
func (l Layout) SegmentPattern() string {
	return fmt.Sprintf("%s%%0%dd%s", l.SegmentPrefix, l.SequenceDigits, l.SegmentSuffix)
}

// ParseSegment extracts the sequence number from a segment file name.
func (l Layout) ParseSegment(name string) (uint64, bool) {
	if len(name) <= len(l.SegmentPrefix)+len(l.SegmentSuffix) {
		return 0, false
	}
	if !strings.HasPrefix(name, l.SegmentPrefix) || !strings.HasSuffix(name, l.SegmentSuffix) {
		return 0, false
	}
	digits := name[len(l.SegmentPrefix) : len(name)-len(l.SegmentSuffix)]
	if len(digits) == 0 || len(digits) < l.SequenceDigits {
		return 0, false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
