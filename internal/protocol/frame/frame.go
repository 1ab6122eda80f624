package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/danmuck/camlink/internal/protocol"
)

// HeaderLen is the size of both the request and the response header.
const HeaderLen = 8

// Opcode is the header discriminant. Only the three values below are valid.
type Opcode uint32

const (
	// OpConfigure carries the camera configuration file (the speed of light).
	OpConfigure Opcode = 299792458
	// OpReceiveImage prefixes every inbound frame (first ten digits of pi).
	OpReceiveImage Opcode = 3141592653
	// OpRequestSerial carries bytes for the device's serial output (first ten digits of e).
	OpRequestSerial Opcode = 2718281828
)

var (
	ErrInvalidHeaderLen = errors.New("frame: invalid header length")
	ErrLengthOverflow   = errors.New("frame: length does not fit in 32 bits")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrShortHeader      = errors.New("frame: short header")
)

func (op Opcode) Valid() bool {
	switch op {
	case OpConfigure, OpReceiveImage, OpRequestSerial:
		return true
	default:
		return false
	}
}

func (op Opcode) String() string {
	switch op {
	case OpConfigure:
		return "configure"
	case OpReceiveImage:
		return "receive_image"
	case OpRequestSerial:
		return "request_serial"
	default:
		return fmt.Sprintf("opcode(%d)", uint32(op))
	}
}

// RequestHeader precedes every client->device payload.
type RequestHeader struct {
	Opcode     Opcode
	DataLength uint32
}

// ResponseHeader precedes every device->client frame.
type ResponseHeader struct {
	Opcode    Opcode
	ImageSize uint32
}

// EndOfStream reports whether h is the zero-size sentinel that closes the image stream.
func (h ResponseHeader) EndOfStream() bool {
	return h.Opcode == OpReceiveImage && h.ImageSize == 0
}

// Limits constrains receive-side allocation.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024 * 1024,
	}
}

// CheckLength converts a Go length to the 32-bit wire field.
func CheckLength(n int) (uint32, error) {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d", ErrLengthOverflow, n)
	}
	return uint32(n), nil
}

func EncodeRequest(op Opcode, length uint32) []byte {
	return encode(op, length)
}

func EncodeResponse(op Opcode, size uint32) []byte {
	return encode(op, size)
}

func DecodeRequest(b []byte) (RequestHeader, error) {
	op, n, err := decode(b)
	if err != nil {
		return RequestHeader{}, err
	}
	return RequestHeader{Opcode: op, DataLength: n}, nil
}

func DecodeResponse(b []byte) (ResponseHeader, error) {
	op, n, err := decode(b)
	if err != nil {
		return ResponseHeader{}, err
	}
	return ResponseHeader{Opcode: op, ImageSize: n}, nil
}

// Validate rejects any opcode other than OpReceiveImage.
func (h ResponseHeader) Validate() error {
	if h.Opcode != OpReceiveImage {
		return fmt.Errorf("%w: %s", protocol.ErrProtocolDesync, h.Opcode)
	}
	return nil
}

func encode(op Opcode, n uint32) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(op))
	binary.BigEndian.PutUint32(buf[4:8], n)
	return buf
}

func decode(b []byte) (Opcode, uint32, error) {
	if len(b) != HeaderLen {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidHeaderLen, len(b))
	}
	return Opcode(binary.BigEndian.Uint32(b[0:4])), binary.BigEndian.Uint32(b[4:8]), nil
}

// Request is one decoded client->device message, as seen by the device side.
type Request struct {
	Header  RequestHeader
	Payload []byte
}

// ReadRequest reads one request header and its payload.
func ReadRequest(r io.Reader, limits Limits) (Request, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Request{}, ErrShortHeader
		}
		return Request{}, err
	}
	h, err := DecodeRequest(hb[:])
	if err != nil {
		return Request{}, err
	}
	if !h.Opcode.Valid() {
		return Request{}, fmt.Errorf("%w: %s", protocol.ErrProtocolDesync, h.Opcode)
	}
	if h.DataLength > limits.MaxPayloadBytes {
		return Request{}, fmt.Errorf("%w: %d", ErrPayloadTooLarge, h.DataLength)
	}
	payload := make([]byte, h.DataLength)
	if h.DataLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Request{}, err
		}
	}
	return Request{Header: h, Payload: payload}, nil
}

// ReadResponseHeader reads and decodes one response header without validating the opcode.
func ReadResponseHeader(r io.Reader) (ResponseHeader, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ResponseHeader{}, ErrShortHeader
		}
		return ResponseHeader{}, err
	}
	return DecodeResponse(hb[:])
}

// WriteImage writes one ReceiveImage frame. An empty payload writes the end-of-stream sentinel.
func WriteImage(w io.Writer, payload []byte) error {
	n, err := CheckLength(len(payload))
	if err != nil {
		return err
	}
	if _, err := w.Write(EncodeResponse(OpReceiveImage, n)); err != nil {
		return err
	}
	if n > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteEndOfStream writes the zero-size ReceiveImage sentinel.
func WriteEndOfStream(w io.Writer) error {
	return WriteImage(w, nil)
}

// WriteRequest writes one request header and payload.
func WriteRequest(w io.Writer, op Opcode, payload []byte) error {
	n, err := CheckLength(len(payload))
	if err != nil {
		return err
	}
	if _, err := w.Write(EncodeRequest(op, n)); err != nil {
		return err
	}
	if n > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}
