package preview

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/testutil/testlog"
	"github.com/gorilla/websocket"
)

type fakeSource struct {
	mu        sync.Mutex
	frame     camera.Frame
	hasFrame  bool
	connected bool
	commands  []string
	cmdErr    error
}

func (s *fakeSource) set(f camera.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = f
	s.hasFrame = true
	s.connected = true
}

func (s *fakeSource) LatestFrame() (camera.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.hasFrame
}

func (s *fakeSource) Stats() (camera.Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return camera.Stats{}, false
	}
	return camera.Stats{
		Status: camera.StatusOK,
		Pool:   camera.PoolStats{Published: s.frame.Seq, LatestSeq: s.frame.Seq},
	}, true
}

func (s *fakeSource) RequestCommand(cmd []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmdErr != nil {
		return s.cmdErr
	}
	s.commands = append(s.commands, string(cmd))
	return nil
}

func TestStatusAndLatestFrame(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(NewRouter(src, hub))
	defer srv.Close()

	var report StatusReport
	getJSON(t, srv.URL+"/status", &report)
	if report.Connected || report.Status != "disconnected" {
		t.Fatalf("unexpected disconnected report: %+v", report)
	}

	resp, err := http.Get(srv.URL + "/frame/latest")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 before first frame, got %d", resp.StatusCode)
	}

	src.set(camera.Frame{Seq: 7, Data: []byte("jpeg-bytes")})
	resp, err = http.Get(srv.URL + "/frame/latest")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "jpeg-bytes" {
		t.Fatalf("unexpected latest frame: code=%d body=%q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Frame-Seq"); got != "7" {
		t.Fatalf("unexpected seq header %q", got)
	}

	getJSON(t, srv.URL+"/status", &report)
	if !report.Connected || report.Status != "ok" || report.LatestSeq != 7 {
		t.Fatalf("unexpected connected report: %+v", report)
	}
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(NewRouter(&fakeSource{}, NewHub()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}

	var health map[string]string
	getJSON(t, srv.URL+"/health", &health)
	if health["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", health)
	}
}

func TestWebSocketViewerReceivesNewestFrame(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(NewRouter(&fakeSource{}, hub))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/frame/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ViewerCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("viewer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast([]byte("frame-1"))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if kind != websocket.BinaryMessage || string(data) != "frame-1" {
		t.Fatalf("unexpected message kind=%d data=%q", kind, data)
	}

	_ = conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.ViewerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("viewer never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandRoute(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	srv := httptest.NewServer(NewRouter(src, NewHub()))
	defer srv.Close()

	post := func(path, body string) int {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "text/plain", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post("/command", "left\n"); code != http.StatusNoContent {
		t.Fatalf("steering name: status %d", code)
	}
	if code := post("/command?raw=true", "up"); code != http.StatusNoContent {
		t.Fatalf("raw command: status %d", code)
	}
	if code := post("/command", "  "); code != http.StatusBadRequest {
		t.Fatalf("empty command: status %d", code)
	}
	if code := post("/command", strings.Repeat("x", maxCommandBody+1)); code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized command: status %d", code)
	}
	src.mu.Lock()
	got := append([]string(nil), src.commands...)
	src.cmdErr = errors.New("no camera session")
	src.mu.Unlock()
	if len(got) != 2 || got[0] != "d" || got[1] != "up" {
		t.Fatalf("unexpected commands: %q", got)
	}
	if code := post("/command", "stop"); code != http.StatusServiceUnavailable {
		t.Fatalf("disconnected source: status %d", code)
	}
}

func TestBroadcastWithoutViewersDoesNotBlock(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	for i := 0; i < 100; i++ {
		hub.Broadcast([]byte{byte(i)})
	}
	if sent, dropped := hub.Counters(); sent != 0 || dropped != 0 {
		t.Fatalf("unexpected counters sent=%d dropped=%d", sent, dropped)
	}
}

func TestListenAndShutdown(t *testing.T) {
	testlog.Start(t)
	s, err := Listen("127.0.0.1:0", &fakeSource{}, NewHub())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var report StatusReport
	getJSON(t, "http://"+s.Addr()+"/status", &report)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
