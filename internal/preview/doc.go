// Package preview serves a live view of the camera stream over HTTP.
//
// Routes are mounted on a chi router: prometheus metrics, a JSON status
// report, the raw latest frame and a websocket that pushes each new frame as a
// binary message. Slow viewers never stall the caller of Hub.Broadcast; they
// only ever hold the newest pending frame.
package preview
