package relay

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rtsp2hls/internal/admission"
	"rtsp2hls/internal/platform/logger"
	"rtsp2hls/internal/platform/metrics"
	"rtsp2hls/internal/segments"
)

type fixture struct {
	store   *segments.Store
	ctrl    *admission.Controller
	metrics *metrics.Metrics
	server  *httptest.Server
}

func newFixture(t *testing.T, playlistName string, maxConn int, opts ...Option) *fixture {
	t.Helper()
	storeOpts := segments.DefaultOptions()
	storeOpts.StableInterval = 5 * time.Millisecond
	storeOpts.PlaylistRetryGap = time.Millisecond
	if playlistName != "" {
		storeOpts.Layout.PlaylistName = playlistName
	}
	store, err := segments.Open(t.TempDir(), storeOpts, logger.Discard(), nil)
	if err != nil {
		t.Fatalf("segments.Open: %v", err)
	}
	m := metrics.New()
	ctrl := admission.New(maxConn)
	h := NewHandler(store, logger.Discard(), m, opts...)
	srv := httptest.NewServer(NewRouter(h, ctrl, logger.Discard(), m))
	t.Cleanup(srv.Close)
	return &fixture{store: store, ctrl: ctrl, metrics: m, server: srv}
}

func playlistBody(layout segments.Layout, first, last uint64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for seq := first; seq <= last; seq++ {
		fmt.Fprintf(&b, "#EXTINF:1.0,\n%s\n", layout.SegmentName(seq))
	}
	return b.String()
}

func segmentPayload(seq uint64) []byte {
	return []byte(fmt.Sprintf("ts-payload-%d", seq))
}

func (f *fixture) write(t *testing.T, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.store.Dir(), name), data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// seed writes segment files for present and a playlist advertising first..last.
func (f *fixture) seed(t *testing.T, first, last uint64, present ...uint64) string {
	t.Helper()
	layout := f.store.Layout()
	for _, seq := range present {
		f.write(t, layout.SegmentName(seq), segmentPayload(seq))
	}
	body := playlistBody(layout, first, last)
	f.write(t, layout.PlaylistName, []byte(body))
	return body
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
