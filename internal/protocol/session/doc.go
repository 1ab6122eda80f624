// Package session owns the client side of one camera connection.
//
// Ownership boundary:
// - address resolution and connect (Dial)
// - whole-buffer, deadline-bounded send/receive (Channel)
// - configuration handshake (Configure)
// - retry/backoff primitives for callers that reconnect
package session
