package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/logging"
	"github.com/danmuck/camlink/internal/observability"
	"github.com/danmuck/camlink/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	errGaveUp       = errors.New("camctl: connect attempts exhausted")
	errNotConnected = errors.New("camctl: no camera session")
)

// frameSink consumes each new frame the driver observes.
type frameSink interface {
	WriteFrame(f camera.Frame) error
}

// driver polls one camera client at a fixed cadence and reconnects when the
// client dies, if configured to.
type driver struct {
	cfg    driverConfig
	config []byte
	sinks  []frameSink
	log    zerolog.Logger
	rng    *rand.Rand

	current atomic.Pointer[camera.Client]
	// last is the frame most recently handed to the sinks. Readers share it
	// and must not modify Data.
	last   atomic.Pointer[camera.Frame]
	frames atomic.Uint64
}

func newDriver(cfg driverConfig, config []byte, sinks ...frameSink) *driver {
	return &driver{
		cfg:    cfg,
		config: config,
		sinks:  sinks,
		log:    logging.Component("camctl.driver"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// run streams until ctx is cancelled, the device ends the stream, or the
// client fails and reconnect is off or exhausted.
func (d *driver) run(ctx context.Context) error {
	device := d.cfg.Camera.Address + ":" + d.cfg.Camera.Port
	attempt := 0
	for {
		opened, err := d.session(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !d.cfg.Reconnect {
			return err
		}
		if opened {
			attempt = 0
		}
		attempt++
		if d.cfg.MaxConnectAttempts > 0 && attempt >= d.cfg.MaxConnectAttempts {
			return fmt.Errorf("%w after %d attempts: %w", errGaveUp, attempt, err)
		}
		observability.RecordReconnect(device)
		d.log.Warn().Err(err).Int("attempt", attempt).Msg("camera session failed; reconnecting")
		if err := session.SleepBackoff(ctx, d.cfg.Camera.Session.Backoff, attempt, d.rng); err != nil {
			return nil
		}
	}
}

// session runs one client from Open to Close. A nil error means an orderly
// end: the device sent its end-of-stream marker or ctx was cancelled. opened
// reports whether the handshake succeeded.
func (d *driver) session(ctx context.Context) (opened bool, err error) {
	c, err := camera.Open(ctx, d.cfg.Camera, d.config)
	if err != nil {
		return false, err
	}
	d.current.Store(c)
	defer func() {
		d.current.CompareAndSwap(c, nil)
		d.last.Store(nil)
		_ = c.Close()
	}()
	d.log.Info().Str("client_id", c.ID()).Msg("streaming")
	return true, d.poll(ctx, c)
}

func (d *driver) poll(ctx context.Context, c *camera.Client) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		switch s := c.Status(); s {
		case camera.StatusOK:
		case camera.StatusEnd:
			d.log.Info().Uint64("last_seq", lastSeq).Msg("stream ended")
			return nil
		default:
			return fmt.Errorf("camera %s: %w", s, c.Err())
		}

		f, ok, err := c.TakeLatestFrame()
		if err != nil && !errors.Is(err, camera.ErrStopped) {
			return err
		}
		if ok && f.Seq != lastSeq {
			lastSeq = f.Seq
			d.frames.Add(1)
			d.last.Store(&f)
			for _, sink := range d.sinks {
				if err := sink.WriteFrame(f); err != nil {
					return fmt.Errorf("sink frame seq=%d: %w", f.Seq, err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.Done():
		}
	}
}

// Frames counts distinct frames handed to the sinks across all sessions.
func (d *driver) Frames() uint64 { return d.frames.Load() }

// LatestFrame serves the frame last handed to the sinks. The poll loop stays
// the only consumer of the client pool.
func (d *driver) LatestFrame() (camera.Frame, bool) {
	f := d.last.Load()
	if f == nil {
		return camera.Frame{}, false
	}
	return *f, true
}

// RequestCommand sends cmd on the live session.
func (d *driver) RequestCommand(cmd []byte) error {
	c := d.current.Load()
	if c == nil {
		return errNotConnected
	}
	return c.RequestCommand(cmd)
}

func (d *driver) Stats() (camera.Stats, bool) {
	c := d.current.Load()
	if c == nil {
		return camera.Stats{}, false
	}
	return c.Stats(), true
}
