package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Controller is the finite-state machine governing which acquisition mode is
// active on the capture host. All transitions are serialized through one
// mutex; a request that conflicts with the active mode gets ErrBusy back and
// the active mode is left untouched.
type Controller struct {
	source    Source
	actuator  Actuator
	sinks     SinkFactory
	clock     clock.Clock
	saveFPS   float64
	imageDir  string
	maxClient int

	mu         sync.Mutex
	mode       Mode
	preview    bool
	suspended  bool // preview suspended by an in-flight snapshot
	clients    int
	session    *Session
	stopActive context.CancelFunc
	loopDone   chan struct{}
}

// Options configures a Controller.
type Options struct {
	Source     Source
	Actuator   Actuator
	Sinks      SinkFactory
	Clock      clock.Clock
	SaveFPS    float64
	ImageDir   string // latest.jpg lands here
	MaxClients int
}

// NewController builds a Controller. The zero clock defaults to wall time.
func NewController(opts Options) *Controller {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		source:    opts.Source,
		actuator:  opts.Actuator,
		sinks:     opts.Sinks,
		clock:     clk,
		saveFPS:   opts.SaveFPS,
		imageDir:  opts.ImageDir,
		maxClient: opts.MaxClients,
	}
}

// transition is the pure FSM step: given the current exclusive mode and a
// requested one, it yields the new mode or ErrBusy. Preview is not part of
// the exclusive set and never passes through here.
func transition(current, requested Mode) (Mode, error) {
	switch requested {
	case ModeIdle:
		return ModeIdle, nil
	case ModeSnapshot, ModeContinuous, ModeCruise:
		if current != ModeIdle {
			return current, ErrBusy
		}
		return requested, nil
	default:
		return current, fmt.Errorf("capture: unknown mode %d", requested)
	}
}

// StartPreview marks the preview stream active. Preview may coexist with any
// exclusive mode, so this never contends for the exclusivity lock.
func (c *Controller) StartPreview() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preview = true
}

// StopPreview marks the preview stream inactive.
func (c *Controller) StopPreview() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preview = false
}

// AddClient registers a preview viewer. It reports false when the configured
// client cap is reached.
func (c *Controller) AddClient() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients >= c.maxClient {
		return false
	}
	c.clients++
	return true
}

// RemoveClient unregisters a preview viewer.
func (c *Controller) RemoveClient() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients > 0 {
		c.clients--
	}
}

// Snapshot suspends the preview, captures one high-resolution frame, writes
// it atomically to latest.jpg and resumes the preview. It is rejected with
// ErrBusy while Continuous or Cruise hold the exclusivity lock.
func (c *Controller) Snapshot(ctx context.Context) (string, error) {
	c.mu.Lock()
	next, err := transition(c.mode, ModeSnapshot)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.mode = next
	wasPreviewing := c.preview
	if wasPreviewing {
		c.suspended = true
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.mode = ModeIdle
		c.suspended = false
		c.mu.Unlock()
	}()

	payload, err := c.source.Still(ctx)
	if err != nil {
		return "", fmt.Errorf("still capture: %w", err)
	}

	final := filepath.Join(c.imageDir, "latest.jpg")
	tmp := fmt.Sprintf("%s.tmp_%d.jpg", final, c.clock.Now().UnixMilli())
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish snapshot: %w", err)
	}

	log.Info().Str("path", final).Int("bytes", len(payload)).Msg("Snapshot saved")
	return final, nil
}

// StartContinuous begins a capture session at the configured save cadence.
// Frames flow into a fresh sink from the factory until StopActive is called
// or a fatal capture error occurs. Rejected with ErrBusy while Snapshot or
// Cruise are active.
func (c *Controller) StartContinuous(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	next, err := transition(c.mode, ModeContinuous)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	session := &Session{
		ID:        uuid.New(),
		Mode:      ModeContinuous,
		StartedAt: c.clock.Now(),
	}
	sink, serr := c.sinks(session)
	if serr != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("create frame sink: %w", serr)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mode = next
	c.session = session
	c.stopActive = cancel
	c.loopDone = done
	c.mu.Unlock()

	log.Info().Str("session", session.ID.String()).Float64("fps", c.saveFPS).Msg("Continuous capture started")
	go c.runContinuous(loopCtx, session, sink, done)
	return session, nil
}

func (c *Controller) runContinuous(ctx context.Context, s *Session, sink FrameSink, done chan struct{}) {
	defer close(done)
	defer c.toIdle()
	defer func() {
		if err := sink.Close(); err != nil {
			log.Error().Err(err).Str("session", s.ID.String()).Msg("Closing frame sink failed")
		}
	}()

	interval := time.Duration(float64(time.Second) / c.saveFPS)
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("session", s.ID.String()).Int64("frames", s.Frames()).Msg("Continuous capture stopped")
			return
		case <-ticker.C:
			payload, err := c.source.Capture(ctx)
			if errors.Is(err, ErrSourceClosed) {
				log.Error().Err(err).Str("session", s.ID.String()).Msg("Frame source closed, ending session")
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("session", s.ID.String()).Msg("Frame capture failed, skipping tick")
				continue
			}
			frame := s.nextFrame(c.clock.Now(), payload)
			if err := sink.Add(frame); err != nil {
				log.Error().Err(err).Int64("seq", frame.Seq).Msg("Frame rejected by sink")
			}
		}
	}
}

// StartCruise begins the sweep-actuation loop. Rejected with ErrBusy while
// Snapshot or Continuous are active.
func (c *Controller) StartCruise(ctx context.Context) error {
	c.mu.Lock()
	next, err := transition(c.mode, ModeCruise)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mode = next
	c.stopActive = cancel
	c.loopDone = done
	c.mu.Unlock()

	log.Info().Msg("Cruise started")
	go func() {
		defer close(done)
		defer c.toIdle()
		c.runCruise(loopCtx)
	}()
	return nil
}

// StopActive requests the active exclusive mode to stop and waits for its
// loop to exit. The request is observable by the in-progress loop within one
// frame interval. Calling it while Idle is a no-op.
func (c *Controller) StopActive() {
	c.mu.Lock()
	cancel := c.stopActive
	done := c.loopDone
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (c *Controller) toIdle() {
	c.mu.Lock()
	c.mode = ModeIdle
	c.session = nil
	c.stopActive = nil
	c.loopDone = nil
	c.mu.Unlock()
}

// Snapshot of the controller state for the health surface.
type Status struct {
	Mode              string `json:"mode"`
	PreviewActive     bool   `json:"preview_active"`
	ContinuousRunning bool   `json:"cont_running"`
	CruiseRunning     bool   `json:"sweep_running"`
	ActiveClients     int    `json:"active_clients"`
	MaxClients        int    `json:"max_clients"`
	SessionFrames     int64  `json:"session_frames"`
}

// Status returns a read-only snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Mode:              c.mode.String(),
		PreviewActive:     c.preview && !c.suspended,
		ContinuousRunning: c.mode == ModeContinuous,
		CruiseRunning:     c.mode == ModeCruise,
		ActiveClients:     c.clients,
		MaxClients:        c.maxClient,
	}
	if c.session != nil {
		st.SessionFrames = c.session.Frames()
	}
	return st
}
