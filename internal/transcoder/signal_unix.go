//go:build !windows

package transcoder

import (
	"os"
	"syscall"
)

// gracefulSignal asks the transcoder to finish up. Both gst-launch-1.0 -e
// and ffmpeg flush and close their outputs on SIGINT.
func gracefulSignal() os.Signal {
	return syscall.SIGINT
}
