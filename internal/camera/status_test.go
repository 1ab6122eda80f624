package camera

import (
	"errors"
	"testing"

	"github.com/danmuck/camlink/internal/testutil/testlog"
)

func TestStatusCellFirstTerminalTransitionWins(t *testing.T) {
	testlog.Start(t)
	c := newStatusCell()
	if c.Load() != StatusOK || c.Err() != nil {
		t.Fatalf("fresh cell must be ok")
	}
	if c.finish(StatusOK, nil) {
		t.Fatalf("StatusOK is not a terminal transition")
	}
	cause := errors.New("boom")
	if !c.finish(StatusError, cause) {
		t.Fatalf("first terminal transition should win")
	}
	if c.finish(StatusEnd, nil) {
		t.Fatalf("second terminal transition should be ignored")
	}
	if c.Load() != StatusError {
		t.Fatalf("unexpected status: %s", c.Load())
	}
	if !errors.Is(c.Err(), cause) {
		t.Fatalf("unexpected cause: %v", c.Err())
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("done channel not closed")
	}
}

func TestStatusString(t *testing.T) {
	testlog.Start(t)
	want := map[Status]string{
		StatusOK:               "ok",
		StatusError:            "error",
		StatusIndexOutOfBounds: "index_out_of_bounds",
		StatusEnd:              "end",
		Status(99):             "unknown",
	}
	for s, str := range want {
		if s.String() != str {
			t.Fatalf("Status(%d).String()=%q want %q", int(s), s.String(), str)
		}
	}
}
