package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/camlink/internal/logging"
	"github.com/danmuck/camlink/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var (
	ErrUnexpectedRequest = errors.New("device: unexpected request")
	ErrBadHandshake      = errors.New("device: handshake failed")
)

// DefaultHandshakeTimeout bounds the wait for a client's Configure request.
const DefaultHandshakeTimeout = 10 * time.Second

// Simulator is a minimal stand-in for the camera firmware: it accepts clients,
// reads the Configure handshake and lets the caller drive the image stream.
type Simulator struct {
	ln     net.Listener
	limits frame.Limits
	log    zerolog.Logger

	// HandshakeTimeout bounds the Configure read in Accept. Zero or negative
	// means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// Listen starts a simulator on addr ("127.0.0.1:0" for tests).
func Listen(addr string) (*Simulator, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Simulator{
		ln:     ln,
		limits: frame.DefaultLimits(),
		log:    logging.Component("device.Simulator").With().Str("addr", ln.Addr().String()).Logger(),
	}, nil
}

func (s *Simulator) Addr() string { return s.ln.Addr().String() }

// HostPort splits Addr for clients that take address and port separately.
func (s *Simulator) HostPort() (string, string) {
	host, port, _ := net.SplitHostPort(s.Addr())
	return host, port
}

func (s *Simulator) Close() error { return s.ln.Close() }

// AcceptRaw accepts one connection without reading the handshake.
// Cancelling ctx closes the simulator.
func (s *Simulator) AcceptRaw(ctx context.Context) (*Session, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := s.ln.Accept()
		ch <- result{conn: conn, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = s.ln.Close()
		r := <-ch
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		s.log.Debug().Str("remote", r.conn.RemoteAddr().String()).Msg("client accepted")
		return &Session{conn: r.conn, limits: s.limits, log: s.log}, nil
	}
}

// Accept accepts one client and reads its Configure handshake. The read is
// bounded by HandshakeTimeout or ctx's deadline, whichever is sooner. Every
// handshake failure wraps ErrBadHandshake and leaves the simulator listening.
func (s *Simulator) Accept(ctx context.Context) (*Session, error) {
	sess, err := s.AcceptRaw(ctx)
	if err != nil {
		return nil, err
	}
	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = sess.conn.SetReadDeadline(deadline)
	req, err := frame.ReadRequest(sess.conn, s.limits)
	_ = sess.conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}
	if req.Header.Opcode != frame.OpConfigure {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: %w: want %s got %s", ErrBadHandshake, ErrUnexpectedRequest, frame.OpConfigure, req.Header.Opcode)
	}
	sess.config = req.Payload
	s.log.Debug().Int("config_len", len(req.Payload)).Msg("configured")
	return sess, nil
}

// Session is one accepted client connection.
type Session struct {
	conn   net.Conn
	limits frame.Limits
	log    zerolog.Logger
	config []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Config returns the bytes received in the Configure handshake.
func (s *Session) Config() []byte { return s.config }

func (s *Session) Conn() net.Conn { return s.conn }

// SendFrame writes one ReceiveImage frame. payload must be non-empty; use EndStream for the sentinel.
func (s *Session) SendFrame(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("device: empty frame payload")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return frame.WriteImage(s.conn, payload)
}

// EndStream writes the zero-size sentinel.
func (s *Session) EndStream() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return frame.WriteEndOfStream(s.conn)
}

// SendHeader writes a bare response header, for exercising desync handling.
func (s *Session) SendHeader(op frame.Opcode, size uint32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame.EncodeResponse(op, size))
	return err
}

// SendPartial writes a ReceiveImage header announcing size followed by only part of the payload.
func (s *Session) SendPartial(size uint32, part []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(frame.EncodeResponse(frame.OpReceiveImage, size)); err != nil {
		return err
	}
	_, err := s.conn.Write(part)
	return err
}

// ReadCommand blocks until the next RequestSerial payload arrives.
func (s *Session) ReadCommand() ([]byte, error) {
	req, err := frame.ReadRequest(s.conn, s.limits)
	if err != nil {
		return nil, err
	}
	if req.Header.Opcode != frame.OpRequestSerial {
		return nil, fmt.Errorf("%w: want %s got %s", ErrUnexpectedRequest, frame.OpRequestSerial, req.Header.Opcode)
	}
	s.log.Debug().Bytes("command", req.Payload).Msg("serial request")
	return req.Payload, nil
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
