package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"rtsp2hls/internal/admission"
	"rtsp2hls/internal/platform/logger"
	"rtsp2hls/internal/segments"
)

func TestRelay_seeded_window(t *testing.T) {
	f := newFixture(t, "playlist.m3u8", 8)
	seeded := f.seed(t, 5, 8, 3, 4, 5, 6, 7, 8)
	layout := f.store.Layout()

	resp, body := f.do(t, http.MethodGet, "/"+layout.SegmentName(8))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("segment 8: expected 200, got %d", resp.StatusCode)
	}
	if !bytes.Equal(body, segmentPayload(8)) {
		t.Errorf("segment 8 body mismatch: %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != segments.SegmentContentType {
		t.Errorf("segment content type %q", ct)
	}

	resp, _ = f.do(t, http.MethodGet, "/"+layout.SegmentName(3))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("segment 3: expected 404, got %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/playlist.m3u8")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("playlist: expected 200, got %d", resp.StatusCode)
	}
	if string(body) != seeded {
		t.Errorf("playlist differs from seeded content:\n%s", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != segments.PlaylistContentType {
		t.Errorf("playlist content type %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != playlistCacheControl {
		t.Errorf("playlist cache control %q", cc)
	}
}

func TestRelay_index_redirects_to_playlist(t *testing.T) {
	f := newFixture(t, "", 8)
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		resp, _ := f.do(t, method, "/")
		if resp.StatusCode != http.StatusTemporaryRedirect {
			t.Errorf("%s /: expected 307, got %d", method, resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != "/index.m3u8" {
			t.Errorf("%s /: redirect to %q", method, loc)
		}
	}
}

func TestRelay_head_has_headers_only(t *testing.T) {
	f := newFixture(t, "", 8)
	f.seed(t, 1, 2, 1, 2)

	resp, body := f.do(t, http.MethodHead, "/"+f.store.Layout().SegmentName(1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(body) != 0 {
		t.Errorf("HEAD returned a body of %d bytes", len(body))
	}
	if resp.ContentLength != int64(len(segmentPayload(1))) {
		t.Errorf("expected content length %d, got %d", len(segmentPayload(1)), resp.ContentLength)
	}
}

func TestRelay_method_and_path_errors(t *testing.T) {
	f := newFixture(t, "", 8)
	f.seed(t, 1, 2, 1, 2)

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodPost, "/index.m3u8", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/live-00000001.ts", http.StatusMethodNotAllowed},
		{http.MethodPut, "/", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nested/index.m3u8", http.StatusNotFound},
		{http.MethodGet, "/secrets.txt", http.StatusNotFound},
		{http.MethodGet, "/%2e%2e", http.StatusNotFound},
		{http.MethodGet, "/..%2fetc%2fpasswd", http.StatusNotFound},
		{http.MethodGet, "/live-00000009.ts", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, _ := f.do(t, tc.method, tc.path)
		if resp.StatusCode != tc.status {
			t.Errorf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, resp.StatusCode)
		}
	}
	if f.ctrl.Outstanding() != 0 {
		t.Errorf("tickets leaked: %d", f.ctrl.Outstanding())
	}
}

func TestRelay_missing_playlist_is_not_found(t *testing.T) {
	f := newFixture(t, "", 8)
	resp, _ := f.do(t, http.MethodGet, "/index.m3u8")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before the transcoder writes anything, got %d", resp.StatusCode)
	}
}

func TestRelay_torn_playlist_is_unavailable(t *testing.T) {
	f := newFixture(t, "", 8)
	f.write(t, "index.m3u8", []byte("#EXT-X-TARGETDURATION:1\n"))
	resp, _ := f.do(t, http.MethodGet, "/index.m3u8")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
}

func TestRelay_overload_rejects_immediately(t *testing.T) {
	f := newFixture(t, "", 1)
	f.seed(t, 1, 2, 1, 2)

	held, err := f.ctrl.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	resp, _ := f.do(t, http.MethodGet, "/index.m3u8")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while the budget is exhausted, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != retryAfterSeconds {
		t.Errorf("expected Retry-After %s", retryAfterSeconds)
	}

	resp, body := f.do(t, http.MethodGet, "/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "rtsp2hls_requests_rejected_total 1") {
		t.Errorf("metrics should bypass admission and count the rejection:\n%s", body)
	}

	held.Release()
	resp, _ = f.do(t, http.MethodGet, "/index.m3u8")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after release, got %d", resp.StatusCode)
	}
}

func TestRelay_concurrent_requests_are_admitted_or_refused(t *testing.T) {
	f := newFixture(t, "", 4)
	f.seed(t, 1, 3, 1, 2, 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := map[int]int{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(f.server.URL + "/index.m3u8")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for code := range statuses {
		if code != http.StatusOK && code != http.StatusServiceUnavailable {
			t.Errorf("unexpected status %d", code)
		}
	}
	if statuses[http.StatusOK] == 0 {
		t.Error("expected at least one admitted request")
	}
	waitUntil(t, "tickets released", func() bool { return f.ctrl.Outstanding() == 0 })
}

func TestRelay_disconnect_releases_ticket(t *testing.T) {
	f := newFixture(t, "", 2)
	layout := f.store.Layout()
	big := bytes.Repeat([]byte{0x47}, 32<<20)
	f.write(t, layout.SegmentName(1), big)
	f.write(t, layout.SegmentName(2), segmentPayload(2))
	f.write(t, layout.PlaylistName, []byte(playlistBody(layout, 1, 2)))

	conn, err := net.Dial("tcp", f.server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	io.WriteString(conn, "GET /"+layout.SegmentName(1)+" HTTP/1.1\r\nHost: relay\r\n\r\n")
	head := make([]byte, 512)
	if _, err := io.ReadAtLeast(conn, head, 64); err != nil {
		t.Fatalf("read response start: %v", err)
	}
	if !bytes.HasPrefix(head, []byte("HTTP/1.1 200")) {
		t.Fatalf("unexpected response start %q", head)
	}
	if f.ctrl.Outstanding() != 1 {
		t.Errorf("expected the stalled download to hold a ticket, got %d", f.ctrl.Outstanding())
	}
	conn.Close()

	waitUntil(t, "ticket release after disconnect", func() bool { return f.ctrl.Outstanding() == 0 })

	var tickets []*admission.Ticket
	for i := 0; i < f.ctrl.Max(); i++ {
		tk, err := f.ctrl.Acquire()
		if err != nil {
			t.Fatalf("full budget not available again: %v", err)
		}
		tickets = append(tickets, tk)
	}
	if _, err := f.ctrl.Acquire(); !errors.Is(err, admission.ErrOverloaded) {
		t.Errorf("expected the budget to be saturated, got %v", err)
	}
	for _, tk := range tickets {
		tk.Release()
	}
}

func TestRelay_recovers_from_panics(t *testing.T) {
	ctrl := admission.New(2)
	h := NewHandler(panicResolver{}, logger.Discard(), nil)
	rec := httptest.NewRecorder()
	NewRouter(h, ctrl, logger.Discard(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.m3u8", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if ctrl.Outstanding() != 0 {
		t.Error("panicking request leaked its ticket")
	}
}

func TestCopyBuffered_stops_on_cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var dst bytes.Buffer
	n, err := copyBuffered(ctx, &dst, strings.NewReader("payload"))
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Errorf("expected immediate cancellation, got %d, %v", n, err)
	}

	n, err = copyBuffered(context.Background(), &dst, strings.NewReader("payload"))
	if err != nil || n != 7 || dst.String() != "payload" {
		t.Errorf("copy = %d, %v, %q", n, err, dst.String())
	}
}

type panicResolver struct{}

func (panicResolver) Resolve(context.Context, string) (*segments.Entry, error) {
	panic("resolver exploded")
}

func (panicResolver) Layout() segments.Layout {
	return segments.DefaultLayout()
}

func TestRelay_segment_cache_headers(t *testing.T) {
	f := newFixture(t, "", 8)
	f.seed(t, 1, 2, 1, 2)
	resp, _ := f.do(t, http.MethodGet, "/"+f.store.Layout().SegmentName(1))
	if cc := resp.Header.Get("Cache-Control"); cc != segmentCacheControl {
		t.Errorf("stable segment names should be cacheable, got %q", cc)
	}

	reused := newFixture(t, "", 8, WithReusedSegmentNames())
	reused.seed(t, 0, 1, 0, 1)
	resp, _ = reused.do(t, http.MethodGet, "/"+reused.store.Layout().SegmentName(0))
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("reused segment names must be revalidated, got %q", cc)
	}
}
