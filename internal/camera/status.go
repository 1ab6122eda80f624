package camera

import (
	"sync"
	"sync/atomic"
)

// Status is the connection state of one Client. Every value other than
// StatusOK is terminal.
type Status int32

const (
	StatusOK Status = iota
	StatusError
	StatusIndexOutOfBounds
	StatusEnd
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusIndexOutOfBounds:
		return "index_out_of_bounds"
	case StatusEnd:
		return "end"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool { return s != StatusOK }

// statusCell holds the Client status and the cause of the terminal transition.
// The first transition out of StatusOK wins; later ones are ignored.
type statusCell struct {
	v     atomic.Int32
	once  sync.Once
	cause error
	done  chan struct{}
}

func newStatusCell() *statusCell {
	return &statusCell{done: make(chan struct{})}
}

func (c *statusCell) Load() Status { return Status(c.v.Load()) }

// finish moves the cell from StatusOK to s. It reports whether this call made the transition.
func (c *statusCell) finish(s Status, cause error) bool {
	if !s.Terminal() {
		return false
	}
	won := false
	c.once.Do(func() {
		c.cause = cause
		c.v.Store(int32(s))
		close(c.done)
		won = true
	})
	return won
}

// Err returns the terminal cause, nil while running or after an orderly end.
func (c *statusCell) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// Done is closed once the status becomes terminal.
func (c *statusCell) Done() <-chan struct{} { return c.done }
