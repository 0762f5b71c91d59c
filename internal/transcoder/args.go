package transcoder

import (
	"strconv"
	"time"
)

// Default transcoder binaries.
const (
	GStreamerBin = "gst-launch-1.0"
	FFmpegBin    = "ffmpeg"
)

// ArgOptions describe what the transcoder should produce. File names are
// relative to the working directory the process is started in.
type ArgOptions struct {
	Source         string
	VerifyTLS      bool
	SegmentLength  time.Duration
	PlaylistLength int
	MaxFiles       int
	PlaylistName   string
	SegmentPattern string
}

func (o ArgOptions) targetSeconds() int {
	secs := int(o.SegmentLength / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// GStreamerArgs builds a gst-launch-1.0 pipeline that remuxes the H.264
// video of the RTSP source into MPEG-TS segments and a rolling playlist.
func GStreamerArgs(o ArgOptions) []string {
	// See https://docs.gtk.org/gio/flags.TlsCertificateFlags.html
	tlsFlags := "tls-validation-flags=0"
	if o.VerifyTLS {
		tlsFlags = "tls-validation-flags=127"
	}
	return []string{
		"-e",
		"rtspsrc", "location=" + o.Source, tlsFlags,
		"!", "queue",
		"!", "rtph264depay",
		"!", "h264parse",
		"!", "mpegtsmux",
		"!", "hlssink",
		"max-files=" + strconv.Itoa(o.MaxFiles),
		"playlist-length=" + strconv.Itoa(o.PlaylistLength),
		"target-duration=" + strconv.Itoa(o.targetSeconds()),
		"playlist-location=" + o.PlaylistName,
		"location=" + o.SegmentPattern,
	}
}

// FFmpegArgs builds an ffmpeg invocation doing the same stream copy.
// Numbering resumes at startNumber so a restart never overwrites a segment
// a client may still be reading.
func FFmpegArgs(o ArgOptions, startNumber uint64) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-rtsp_transport", "tcp",
	}
	if o.VerifyTLS {
		args = append(args, "-tls_verify", "1")
	}
	extra := max(o.MaxFiles-o.PlaylistLength, 1)
	args = append(args,
		"-i", o.Source,
		"-map", "0:v:0",
		"-c:v", "copy",
		"-f", "hls",
		"-hls_time", strconv.Itoa(o.targetSeconds()),
		"-hls_list_size", strconv.Itoa(o.PlaylistLength),
		"-hls_delete_threshold", strconv.Itoa(extra),
		"-hls_flags", "delete_segments+temp_file+omit_endlist",
		"-start_number", strconv.FormatUint(startNumber, 10),
		"-hls_segment_filename", o.SegmentPattern,
		o.PlaylistName,
	)
	return args
}
