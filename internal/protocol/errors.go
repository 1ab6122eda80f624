package protocol

import "errors"

// Connection error taxonomy. Lower layers wrap these with %w so callers can
// classify failures with errors.Is regardless of which layer produced them.
var (
	ErrConnectFailed   = errors.New("protocol: connect failed")
	ErrHandshakeFailed = errors.New("protocol: configuration handshake failed")
	ErrChannelTimeout  = errors.New("protocol: channel timeout")
	ErrPeerClosed      = errors.New("protocol: connection closed by peer")
	ErrProtocolDesync  = errors.New("protocol: unexpected opcode")
	ErrPoolExhausted   = errors.New("protocol: no eligible frame slot")
)
