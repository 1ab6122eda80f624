package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/device"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/testutil/testlog"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []camera.Frame
}

func (s *recordingSink) WriteFrame(f camera.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Seq
	}
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func testDriverConfig(sim *device.Simulator) driverConfig {
	cfg := defaultDriverConfig()
	cfg.Camera.Address, cfg.Camera.Port = sim.HostPort()
	cfg.Camera.Session.ConnectTimeout = 2 * time.Second
	cfg.Camera.Session.IOTimeout = 2 * time.Second
	cfg.Camera.Session.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Camera.Session.Backoff.MaxDelay = 50 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func waitCount(t *testing.T, sink *recordingSink, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for sink.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("sink saw %d frames, want %d", sink.count(), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func runAsync(ctx context.Context, d *driver) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- d.run(ctx) }()
	return errc
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("driver did not return")
	}
	return nil
}

func TestDriverSkipsRepeatedFrames(t *testing.T) {
	testlog.Start(t)
	sim, err := device.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sim.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions := make(chan *device.Session, 1)
	go func() {
		if s, err := sim.Accept(ctx); err == nil {
			sessions <- s
		}
	}()

	sink := &recordingSink{}
	d := newDriver(testDriverConfig(sim), []byte("cfg"), sink)
	errc := runAsync(ctx, d)
	dev := <-sessions
	defer dev.Close()

	for k := 1; k <= 3; k++ {
		if err := dev.SendFrame(bytes.Repeat([]byte{byte(k)}, 32)); err != nil {
			t.Fatalf("send frame: %v", err)
		}
		waitCount(t, sink, k)
		// Several polls land on the same frame before the next arrives.
		time.Sleep(30 * time.Millisecond)
	}
	if err := dev.EndStream(); err != nil {
		t.Fatalf("end stream: %v", err)
	}
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("driver run: %v", err)
	}

	got := sink.seqs()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected sink sequence: %v", got)
	}
	if d.Frames() != 3 {
		t.Fatalf("unexpected frame count: %d", d.Frames())
	}
	if _, ok := d.Stats(); ok {
		t.Fatalf("driver should report disconnected after the session ends")
	}
}

func TestDriverFailsWithoutReconnect(t *testing.T) {
	testlog.Start(t)
	sim, err := device.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sim.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		if s, err := sim.Accept(ctx); err == nil {
			_ = s.SendPartial(64, []byte("short"))
			_ = s.Close()
		}
	}()

	d := newDriver(testDriverConfig(sim), nil, &recordingSink{})
	err = waitRun(t, runAsync(ctx, d))
	if !errors.Is(err, protocol.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
}

func TestDriverReconnectsAfterFailure(t *testing.T) {
	testlog.Start(t)
	sim, err := device.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sim.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sink := &recordingSink{}
	go func() {
		first, err := sim.Accept(ctx)
		if err != nil {
			return
		}
		_ = first.SendFrame([]byte("first"))
		waitFrames(ctx, sink, 1)
		_ = first.Close()

		second, err := sim.Accept(ctx)
		if err != nil {
			return
		}
		defer second.Close()
		_ = second.SendFrame([]byte("second"))
		waitFrames(ctx, sink, 2)
		_ = second.EndStream()
	}()

	cfg := testDriverConfig(sim)
	cfg.Reconnect = true
	d := newDriver(cfg, nil, sink)
	if err := waitRun(t, runAsync(ctx, d)); err != nil {
		t.Fatalf("driver run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 2 {
		t.Fatalf("expected one frame per session, got %d", len(sink.frames))
	}
	if string(sink.frames[0].Data) != "first" || string(sink.frames[1].Data) != "second" {
		t.Fatalf("unexpected frames: %q %q", sink.frames[0].Data, sink.frames[1].Data)
	}
	if sink.frames[1].Seq != 1 {
		t.Fatalf("a new client restarts sequence numbers, got %d", sink.frames[1].Seq)
	}
}

func waitFrames(ctx context.Context, sink *recordingSink, n int) {
	for sink.count() < n && ctx.Err() == nil {
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDriverGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	sim, err := device.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := testDriverConfig(sim)
	_ = sim.Close()

	cfg.Reconnect = true
	cfg.MaxConnectAttempts = 3
	d := newDriver(cfg, nil, &recordingSink{})
	err = waitRun(t, runAsync(context.Background(), d))
	if !errors.Is(err, errGaveUp) || !errors.Is(err, protocol.ErrConnectFailed) {
		t.Fatalf("expected errGaveUp wrapping ErrConnectFailed, got %v", err)
	}
}

func TestDriverStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	sim, err := device.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sim.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan *device.Session, 1)
	go func() {
		if s, err := sim.Accept(ctx); err == nil {
			accepted <- s
		}
	}()

	d := newDriver(testDriverConfig(sim), nil, &recordingSink{})
	errc := runAsync(ctx, d)
	dev := <-accepted
	defer dev.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := d.Stats(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("driver never connected")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("cancelled run should return nil, got %v", err)
	}
}

func TestDriverServesCachedFrameAndLiveCommands(t *testing.T) {
	testlog.Start(t)
	sim, err := device.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sim.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions := make(chan *device.Session, 1)
	go func() {
		if s, err := sim.Accept(ctx); err == nil {
			sessions <- s
		}
	}()

	sink := &recordingSink{}
	d := newDriver(testDriverConfig(sim), nil, sink)
	if _, ok := d.LatestFrame(); ok {
		t.Fatalf("no frame expected before the first session")
	}
	if err := d.RequestCommand([]byte("a")); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected errNotConnected, got %v", err)
	}

	errc := runAsync(ctx, d)
	dev := <-sessions
	defer dev.Close()
	if err := dev.SendFrame([]byte("frame-1")); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	waitCount(t, sink, 1)

	for i := 0; i < 50; i++ {
		f, ok := d.LatestFrame()
		if !ok || f.Seq != 1 || string(f.Data) != "frame-1" {
			t.Fatalf("unexpected cached frame: ok=%v seq=%d data=%q", ok, f.Seq, f.Data)
		}
	}

	if err := d.RequestCommand([]byte("d")); err != nil {
		t.Fatalf("live command: %v", err)
	}
	got, err := dev.ReadCommand()
	if err != nil || string(got) != "d" {
		t.Fatalf("device got %q err=%v", got, err)
	}

	if err := dev.EndStream(); err != nil {
		t.Fatalf("end stream: %v", err)
	}
	if err := waitRun(t, errc); err != nil {
		t.Fatalf("driver run: %v", err)
	}
	if _, ok := d.LatestFrame(); ok {
		t.Fatalf("cached frame must be cleared when the session ends")
	}
	if err := d.RequestCommand([]byte("a")); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected errNotConnected after the session, got %v", err)
	}
}

func TestDirSinkWritesOneFilePerFrame(t *testing.T) {
	testlog.Start(t)
	dir := filepath.Join(t.TempDir(), "frames")
	sink, err := newDirSink(dir)
	if err != nil {
		t.Fatalf("new dir sink: %v", err)
	}
	for seq := uint64(1); seq <= 2; seq++ {
		if err := sink.WriteFrame(camera.Frame{Seq: seq, Data: []byte{byte(seq)}}); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 files, got %d", len(entries))
	}
	data, err := os.ReadFile(sink.path(2))
	if err != nil || !bytes.Equal(data, []byte{2}) {
		t.Fatalf("unexpected frame file: %v %v", data, err)
	}
}
