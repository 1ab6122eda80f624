package camera

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/camlink/internal/observability"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/frame"
	"github.com/danmuck/camlink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// frameSource is the receive side of session.Channel.
type frameSource interface {
	RecvResponseHeader() (frame.ResponseHeader, error)
	RecvAll(buf []byte) error
	Limits() frame.Limits
}

// receiver is the background loop that pulls frames off the channel and
// publishes them into the pool. It is the only writer of the status cell while
// the client is running.
type receiver struct {
	src      frameSource
	pool     *Pool
	status   *statusCell
	stopping *atomic.Bool
	device   string
	log      zerolog.Logger

	scratch []byte
}

func (r *receiver) run() {
	r.log.Debug().Msg("receive loop started")
	for r.status.Load() == StatusOK {
		if r.stopping.Load() {
			r.finish(StatusEnd, nil)
			return
		}
		if !r.step() {
			return
		}
	}
}

// step receives one frame. It returns false once the loop must exit.
//
// When consumers hold leases on every slot except the freshest, the frame is
// still read off the wire so the stream stays in sync, then dropped.
func (r *receiver) step() bool {
	index, err := r.pool.SelectSlotToFill()
	if err != nil && !errors.Is(err, protocol.ErrPoolExhausted) {
		r.finish(StatusIndexOutOfBounds, err)
		return false
	}
	r.pool.Release(index)

	h, err := r.src.RecvResponseHeader()
	if err != nil {
		r.pool.Abandon(index)
		r.fail(err)
		return false
	}
	if err := h.Validate(); err != nil {
		r.pool.Abandon(index)
		r.finish(StatusError, err)
		return false
	}
	if h.EndOfStream() {
		r.pool.Abandon(index)
		r.log.Debug().Msg("end of stream")
		r.finish(StatusEnd, nil)
		return false
	}
	if limit := r.src.Limits().MaxPayloadBytes; h.ImageSize > limit {
		r.pool.Abandon(index)
		r.finish(StatusError, fmt.Errorf("%w: image_size=%d limit=%d", frame.ErrPayloadTooLarge, h.ImageSize, limit))
		return false
	}

	if index == noSlot {
		// A lease may have been released while the header was in flight.
		if index, err = r.pool.SelectSlotToFill(); err != nil {
			return r.drop(h.ImageSize, err)
		}
	}

	payload := make([]byte, h.ImageSize)
	if err := r.src.RecvAll(payload); err != nil {
		r.pool.Abandon(index)
		r.fail(err)
		return false
	}
	seq, err := r.pool.Publish(index, payload)
	if err != nil {
		r.finish(StatusIndexOutOfBounds, err)
		return false
	}
	observability.RecordFrameReceived(r.device, len(payload))
	r.log.Trace().Int("slot", index).Uint64("seq", seq).Int("size", len(payload)).Msg("frame published")
	return true
}

// drop reads a payload that has no slot into the scratch buffer and discards it.
func (r *receiver) drop(size uint32, cause error) bool {
	if uint32(cap(r.scratch)) < size {
		r.scratch = make([]byte, size)
	}
	if err := r.src.RecvAll(r.scratch[:size]); err != nil {
		r.fail(err)
		return false
	}
	n := r.pool.Drop()
	observability.RecordFrameDropped(r.device)
	r.log.Debug().Err(cause).Uint32("size", size).Uint64("dropped", n).Msg("frame dropped")
	return true
}

// fail classifies a channel error. A receive cut short by Close is an orderly end.
func (r *receiver) fail(err error) {
	if r.stopping.Load() || errors.Is(err, session.ErrInterrupted) {
		r.finish(StatusEnd, nil)
		return
	}
	r.finish(StatusError, err)
}

func (r *receiver) finish(s Status, cause error) {
	if !r.status.finish(s, cause) {
		return
	}
	observability.RecordTermination(r.device, s.String())
	ev := r.log.Info()
	if cause != nil {
		ev = r.log.Error().Err(cause)
	}
	ev.Stringer("status", s).Msg("receive loop stopped")
}
