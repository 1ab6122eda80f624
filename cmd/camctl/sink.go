package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/logging"
	"github.com/danmuck/camlink/internal/preview"
	"github.com/rs/zerolog"
)

// dirSink writes every frame payload to its own file under dir.
type dirSink struct {
	dir string
	log zerolog.Logger
}

func newDirSink(dir string) (*dirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &dirSink{dir: dir, log: logging.Component("camctl.sink.dir")}, nil
}

func (s *dirSink) path(seq uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("frame-%08d.img", seq))
}

func (s *dirSink) WriteFrame(f camera.Frame) error {
	p := s.path(f.Seq)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, f.Data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		return err
	}
	s.log.Debug().Uint64("seq", f.Seq).Int("size", len(f.Data)).Str("path", p).Msg("frame written")
	return nil
}

// logSink reports each frame; it is the default when no output is configured.
type logSink struct {
	log zerolog.Logger
}

func (s logSink) WriteFrame(f camera.Frame) error {
	s.log.Info().Uint64("seq", f.Seq).Int("size", len(f.Data)).Time("received_at", f.ReceivedAt).Msg("frame")
	return nil
}

// hubSink pushes frames to preview viewers.
type hubSink struct {
	hub *preview.Hub
}

func (s hubSink) WriteFrame(f camera.Frame) error {
	s.hub.Broadcast(f.Data)
	return nil
}
