package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var (
	ErrShortWrite  = errors.New("session: write returned zero bytes")
	ErrInterrupted = errors.New("session: receive interrupted")
	ErrClosed      = errors.New("session: channel closed")
)

// Channel wraps one connected stream socket with whole-buffer, deadline-bounded
// send and receive.
//
// Directions are independent: SendAll/SendMessage may run concurrently with
// RecvAll. Outbound messages are serialized so a header and its payload are
// never interleaved with another sender's bytes. RecvAll assumes a single reader.
type Channel struct {
	conn    net.Conn
	timeout time.Duration
	limits  frame.Limits
	log     zerolog.Logger

	sendMu      sync.Mutex
	interrupted atomic.Bool
	closed      atomic.Bool
}

// NewChannel takes ownership of conn.
func NewChannel(conn net.Conn, cfg Config) *Channel {
	cfg = cfg.WithDefaults()
	return &Channel{
		conn:    conn,
		timeout: cfg.IOTimeout,
		limits:  cfg.Limits,
		log: cfg.logger("session.Channel").With().
			Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

func (c *Channel) Timeout() time.Duration { return c.timeout }

func (c *Channel) Limits() frame.Limits { return c.limits }

func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SendAll writes every byte of buf, resuming from the advanced offset after
// each partial write. Each write is bounded by the channel timeout.
func (c *Channel) SendAll(buf []byte) error {
	off := 0
	for off < len(buf) {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return c.classify("send", err, off, len(buf))
		}
		n, err := c.conn.Write(buf[off:])
		off += n
		c.log.Trace().Int("n", n).Int("sent", off).Int("len", len(buf)).Msg("write")
		if err != nil {
			return c.classify("send", err, off, len(buf))
		}
		if n == 0 {
			return fmt.Errorf("%w: %d/%d bytes", ErrShortWrite, off, len(buf))
		}
	}
	return nil
}

// RecvAll fills buf completely. A zero-byte read is reported as
// protocol.ErrPeerClosed, an expired deadline as protocol.ErrChannelTimeout.
func (c *Channel) RecvAll(buf []byte) error {
	off := 0
	for off < len(buf) {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return c.classify("recv", err, off, len(buf))
		}
		// Interrupt moves the deadline into the past after setting the flag, so
		// checking after our own deadline update cannot miss it.
		if c.interrupted.Load() {
			return fmt.Errorf("%w: %d/%d bytes", ErrInterrupted, off, len(buf))
		}
		n, err := c.conn.Read(buf[off:])
		off += n
		c.log.Trace().Int("n", n).Int("received", off).Int("len", len(buf)).Msg("read")
		if err != nil {
			if errors.Is(err, io.EOF) && off == len(buf) {
				return nil
			}
			return c.classify("recv", err, off, len(buf))
		}
		if n == 0 {
			return fmt.Errorf("%w: %d/%d bytes", protocol.ErrPeerClosed, off, len(buf))
		}
	}
	return nil
}

// SendMessage writes one request header followed by payload as a single unit.
func (c *Channel) SendMessage(op frame.Opcode, payload []byte) error {
	n, err := frame.CheckLength(len(payload))
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.SendAll(frame.EncodeRequest(op, n)); err != nil {
		return err
	}
	if err := c.SendAll(payload); err != nil {
		return err
	}
	c.log.Debug().Stringer("op", op).Uint32("len", n).Msg("message sent")
	return nil
}

// RecvResponseHeader reads and decodes one response header.
func (c *Channel) RecvResponseHeader() (frame.ResponseHeader, error) {
	var hb [frame.HeaderLen]byte
	if err := c.RecvAll(hb[:]); err != nil {
		return frame.ResponseHeader{}, err
	}
	return frame.DecodeResponse(hb[:])
}

// Interrupt makes any pending or future RecvAll return ErrInterrupted without
// closing the socket.
func (c *Channel) Interrupt() {
	c.interrupted.Store(true)
	_ = c.conn.SetReadDeadline(time.Unix(1, 0))
}

func (c *Channel) Interrupted() bool { return c.interrupted.Load() }

// Close is idempotent.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Channel) classify(dir string, err error, done, total int) error {
	switch {
	case dir == "recv" && c.interrupted.Load():
		return fmt.Errorf("%w: %d/%d bytes", ErrInterrupted, done, total)
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %s %d/%d bytes", ErrClosed, dir, done, total)
	case isTimeout(err):
		c.log.Warn().Str("dir", dir).Dur("timeout", c.timeout).Int("done", done).Int("len", total).Msg("timeout")
		return fmt.Errorf("%w: %s after %s (%d/%d bytes): %w", protocol.ErrChannelTimeout, dir, c.timeout, done, total, err)
	case errors.Is(err, io.EOF):
		c.log.Warn().Str("dir", dir).Int("done", done).Int("len", total).Msg("connection closed by peer")
		return fmt.Errorf("%w: %s %d/%d bytes", protocol.ErrPeerClosed, dir, done, total)
	default:
		return fmt.Errorf("session: %s %d/%d bytes: %w", dir, done, total, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
