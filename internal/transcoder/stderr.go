package transcoder

import (
	"bytes"
	"sync"
)

// maxStderrTail is how much transcoder stderr is retained for diagnostics.
const maxStderrTail = 4096

// tailBuffer is a thread-safe io.Writer keeping only the most recent bytes.
type tailBuffer struct {
	mu      sync.Mutex
	data    []byte
	maxSize int
}

func newTailBuffer(maxSize int) *tailBuffer {
	return &tailBuffer{data: make([]byte, 0, maxSize), maxSize: maxSize}
}

// Write implements io.Writer. Older data is discarded to make room.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.maxSize {
		b.data = append(b.data[:0], p[n-b.maxSize:]...)
		return n, nil
	}
	if over := len(b.data) + n - b.maxSize; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
	}
	b.data = append(b.data, p...)
	return n, nil
}

// LastLine returns the last non-empty line, truncated to 200 bytes.
func (b *tailBuffer) LastLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := bytes.Split(b.data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if len(line) > 200 {
			return string(line[:200]) + "..."
		}
		return string(line)
	}
	return ""
}
