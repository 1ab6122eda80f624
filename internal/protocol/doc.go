// Package protocol owns the camera wire contract.
//
// Ownership boundary:
// - frame/header primitives (package frame)
// - channel, dial and handshake helpers (package session)
// - the shared error taxonomy (this package)
//
// Wire format: every message is an 8 byte header of two big-endian uint32
// values (opcode, length) followed by length raw bytes. The format is fixed;
// there is no version negotiation.
package protocol
