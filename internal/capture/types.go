package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Mode is the acquisition mode of the capture host. Snapshot, Continuous and
// Cruise are mutually exclusive; Preview runs alongside any of them except
// while a Snapshot temporarily suspends it.
type Mode int

const (
	ModeIdle Mode = iota
	ModeSnapshot
	ModeContinuous
	ModeCruise
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeSnapshot:
		return "snapshot"
	case ModeContinuous:
		return "continuous"
	case ModeCruise:
		return "cruise"
	default:
		return "unknown"
	}
}

// ErrBusy is returned when a mode request conflicts with the mode currently
// holding the exclusivity lock. Requests are rejected, never queued.
var ErrBusy = errors.New("capture: another exclusive mode is active")

// ErrSourceClosed signals that the frame source is gone for good. The
// continuous loop treats it as a fatal capture error and drops to Idle;
// any other error is transient and only skips the frame.
var ErrSourceClosed = errors.New("capture: frame source closed")

// Source supplies image payloads. Capture returns the most recent preview
// frame (latest-only, late frames are dropped rather than queued); Still
// reconfigures for a one-off high-resolution exposure and is expected to
// stall the preview while it runs.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
	Still(ctx context.Context) ([]byte, error)
	Close() error
}

// Actuator is the boundary to the pan hardware. The cruise loop only ever
// calls Goto; the servo driver itself lives outside this module.
type Actuator interface {
	Goto(angleDeg float64) error
}

// Frame is one captured image, owned by the session that produced it until
// handed to the packager. Seq is monotonic within the session.
type Frame struct {
	Session    uuid.UUID
	Seq        int64
	CapturedAt time.Time
	Payload    []byte
}

// Session is one active acquisition context.
type Session struct {
	ID        uuid.UUID
	Mode      Mode
	StartedAt time.Time

	frames atomic.Int64
}

// Frames returns how many frames the session has produced so far. Safe to
// call from the health surface while the capture loop is running.
func (s *Session) Frames() int64 { return s.frames.Load() }

func (s *Session) nextFrame(at time.Time, payload []byte) Frame {
	return Frame{
		Session:    s.ID,
		Seq:        s.frames.Add(1),
		CapturedAt: at,
		Payload:    payload,
	}
}

// FrameSink consumes the in-order frame sequence of one session. Add may
// reject a frame with an error (disk full etc.); Close seals whatever the
// sink buffered. The controller creates one sink per continuous session and
// closes it when the session ends.
type FrameSink interface {
	Add(Frame) error
	Close() error
}

// SinkFactory builds the sink for a starting session. The capture daemon
// wires this to the archive packager.
type SinkFactory func(s *Session) (FrameSink, error)
