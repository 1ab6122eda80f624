// Package device simulates the camera side of the wire protocol.
//
// It is used by package tests and by cmd/camstub for running the client
// without hardware. It implements exactly the device behaviour the client
// relies on: read one Configure request, stream ReceiveImage frames, accept
// RequestSerial payloads, end with the zero-size sentinel.
package device
