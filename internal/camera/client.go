package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/camlink/internal/logging"
	"github.com/danmuck/camlink/internal/observability"
	"github.com/danmuck/camlink/internal/protocol/frame"
	"github.com/danmuck/camlink/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAddressRequired = errors.New("camera: address required")
	ErrPortRequired    = errors.New("camera: port required")
	ErrAlreadyStarted  = errors.New("camera: receive loop already started")
	ErrStopped         = errors.New("camera: client stopped")
	ErrEmptyCommand    = errors.New("camera: empty command")
)

// Config is the construction input of a Client.
type Config struct {
	Address string
	Port    string
	// Debug lowers this client's loggers, including its dial and channel
	// loggers, to debug level.
	Debug   bool
	Session session.Config
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
	}
}

// Client is the camera connection facade. It owns the channel and the slot
// pool; the receive loop and consumers only borrow them.
//
// Lifecycle: Connect -> Start -> (TakeLatestFrame | RequestCommand)* -> Close.
// Status is terminal once it leaves StatusOK and the client must then be discarded.
type Client struct {
	id     string
	cfg    Config
	ch     *session.Channel
	pool   *Pool
	status *statusCell
	log    zerolog.Logger

	stopping  atomic.Bool
	started   atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Connect dials the device and performs the configuration handshake. The
// returned client is fully initialized but not receiving; call Start.
func Connect(ctx context.Context, cfg Config, config []byte) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return nil, ErrPortRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Session.Debug = cfg.Session.Debug || cfg.Debug

	id := uuid.NewString()
	log := logging.Component("camera.Client").With().
		Str("client_id", id).
		Str("device", deviceLabel(cfg)).
		Logger()
	if cfg.Debug {
		log = logging.Verbose(log)
	}

	ch, err := session.Dial(ctx, cfg.Address, cfg.Port, cfg.Session)
	if err != nil {
		log.Error().Err(err).Msg("connect failed")
		return nil, err
	}
	log.Debug().Str("local", ch.LocalAddr().String()).Dur("io_timeout", ch.Timeout()).Msg("connected")

	if err := session.Configure(ch, config); err != nil {
		_ = ch.Close()
		log.Error().Err(err).Msg("configure failed")
		return nil, err
	}
	log.Debug().Int("config_len", len(config)).Msg("configured")

	return &Client{
		id:     id,
		cfg:    cfg,
		ch:     ch,
		pool:   NewPool(),
		status: newStatusCell(),
		log:    log,
	}, nil
}

// Open is Connect followed by Start.
func Open(ctx context.Context, cfg Config, config []byte) (*Client, error) {
	c, err := Connect(ctx, cfg, config)
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Start spawns the receive loop. It may be called once.
func (c *Client) Start() error {
	if s := c.status.Load(); s.Terminal() {
		return c.stoppedErr(s)
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	r := &receiver{
		src:      c.ch,
		pool:     c.pool,
		status:   c.status,
		stopping: &c.stopping,
		device:   deviceLabel(c.cfg),
		log:      c.log,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		r.run()
	}()
	c.log.Info().Msg("streaming started")
	return nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) Status() Status { return c.status.Load() }

// Err returns the cause of a StatusError or StatusIndexOutOfBounds transition.
func (c *Client) Err() error { return c.status.Err() }

// Done is closed once Status becomes terminal.
func (c *Client) Done() <-chan struct{} { return c.status.Done() }

// TakeLatestFrame returns a copy of the freshest frame without blocking. ok is
// false when no frame has arrived yet. Once the client is stopped it returns
// ErrStopped so callers can tell "no frame yet" from "client is dead".
func (c *Client) TakeLatestFrame() (Frame, bool, error) {
	if s := c.status.Load(); s.Terminal() {
		return Frame{}, false, c.stoppedErr(s)
	}
	f, ok := c.pool.TakeLatest()
	if ok {
		observability.RecordFrameTaken(deviceLabel(c.cfg))
	}
	return f, ok, nil
}

// DecodeLatest runs decode on the freshest payload while its slot is held busy,
// so no copy is made. decode must not retain the slice.
func DecodeLatest[T any](c *Client, decode func([]byte) (T, error)) (T, bool, error) {
	var zero T
	if s := c.status.Load(); s.Terminal() {
		return zero, false, c.stoppedErr(s)
	}
	lease, ok := c.pool.Acquire()
	if !ok {
		return zero, false, nil
	}
	defer lease.Release()
	observability.RecordFrameTaken(deviceLabel(c.cfg))
	v, err := decode(lease.Frame().Data)
	if err != nil {
		return zero, true, fmt.Errorf("camera: decode frame seq=%d: %w", lease.Frame().Seq, err)
	}
	return v, true, nil
}

// RequestCommand asks the device to write cmd to its serial output. A send
// failure is returned to the caller and does not change Status.
func (c *Client) RequestCommand(cmd []byte) error {
	if len(cmd) == 0 {
		return ErrEmptyCommand
	}
	if s := c.status.Load(); s.Terminal() {
		return c.stoppedErr(s)
	}
	err := c.ch.SendMessage(frame.OpRequestSerial, cmd)
	observability.RecordCommand(deviceLabel(c.cfg), err == nil)
	if err != nil {
		c.log.Warn().Err(err).Int("len", len(cmd)).Msg("request command failed")
		return err
	}
	c.log.Debug().Bytes("command", cmd).Msg("request command")
	return nil
}

// Stats reports pool bookkeeping along with the current status.
type Stats struct {
	Status Status
	Pool   PoolStats
}

func (c *Client) Stats() Stats {
	return Stats{Status: c.status.Load(), Pool: c.pool.Stats()}
}

// Close stops the receive loop, waits for it, then releases the channel and the
// pool. It is idempotent and safe on a client that was never started.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stopping.Store(true)
		c.ch.Interrupt()
		c.wg.Wait()
		// Never started, or the loop exited on its own: record the end here.
		if c.status.finish(StatusEnd, nil) {
			c.log.Info().Msg("client closed")
		}
		err = c.ch.Close()
		c.pool.Reset()
		c.log.Debug().Stringer("status", c.status.Load()).Msg("resources released")
	})
	return err
}

func (c *Client) stoppedErr(s Status) error {
	if cause := c.status.Err(); cause != nil {
		return fmt.Errorf("%w: status=%s: %w", ErrStopped, s, cause)
	}
	return fmt.Errorf("%w: status=%s", ErrStopped, s)
}

func deviceLabel(cfg Config) string {
	return strings.TrimSpace(cfg.Address) + ":" + strings.TrimSpace(cfg.Port)
}
