// Package camera owns the streaming client for one camera device.
//
// Ownership boundary:
// - client lifecycle (Connect, Start, Close)
// - the receive loop goroutine
// - the three-slot frame pool shared by the loop and consumers
//
// Goroutine topology:
// - 1 receive loop per Client, spawned by Start and joined by Close
// - N caller goroutines using TakeLatestFrame, DecodeLatest and RequestCommand
//
// Consumers are expected to poll: check Status, then take the latest frame at
// their own cadence. Frames carry a sequence number so a poller can skip one it
// has already seen. Payloads are opaque; decoding belongs to the caller.
// When concurrent consumers lease every slot but the freshest, the incoming
// frame is dropped and counted in PoolStats.Dropped.
package camera
