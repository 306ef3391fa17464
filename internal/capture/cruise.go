package capture

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweep geometry. The pan servo is centered at 90° with a 45° span each way;
// one full traverse takes cruiseOneWay with a short hold at each end.
const (
	cruiseCenterDeg = 90.0
	cruiseSpanDeg   = 45.0
	cruiseLeftDeg   = cruiseCenterDeg - cruiseSpanDeg
	cruiseRightDeg  = cruiseCenterDeg + cruiseSpanDeg

	cruiseOneWay   = 10 * time.Second
	cruiseEndPause = 500 * time.Millisecond
	cruiseStep     = 50 * time.Millisecond
)

// runCruise pans the actuator left to right and back until ctx is cancelled.
// Actuator errors are logged and the sweep keeps going: a missed step only
// costs smoothness, not correctness.
func (c *Controller) runCruise(ctx context.Context) {
	for {
		if !c.sweepOnce(ctx, cruiseLeftDeg, cruiseRightDeg) {
			return
		}
		if !c.pause(ctx, cruiseEndPause) {
			return
		}
		if !c.sweepOnce(ctx, cruiseRightDeg, cruiseLeftDeg) {
			return
		}
		if !c.pause(ctx, cruiseEndPause) {
			return
		}
	}
}

// sweepOnce moves from one end to the other over cruiseOneWay. Returns false
// when ctx was cancelled mid-traverse.
func (c *Controller) sweepOnce(ctx context.Context, from, to float64) bool {
	start := c.clock.Now()
	ticker := c.clock.Ticker(cruiseStep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			elapsed := c.clock.Now().Sub(start)
			if elapsed >= cruiseOneWay {
				c.goTo(to)
				return true
			}
			ratio := float64(elapsed) / float64(cruiseOneWay)
			c.goTo(from + (to-from)*ratio)
		}
	}
}

func (c *Controller) pause(ctx context.Context, d time.Duration) bool {
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Controller) goTo(angle float64) {
	if c.actuator == nil {
		return
	}
	if err := c.actuator.Goto(angle); err != nil {
		log.Warn().Err(err).Float64("angle", angle).Msg("Actuator step failed")
	}
}
