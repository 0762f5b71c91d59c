//go:build windows

package transcoder

import "os"

// gracefulSignal falls back to Kill; Windows has no deliverable SIGINT for child processes.
func gracefulSignal() os.Signal {
	return os.Kill
}
