// Package poll runs a function on a fixed interval with a cancellable sleep
// in between. Every daemon in the pipeline is one of these loops; the
// filesystem between them is the only queue.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Run calls fn, sleeps interval, and repeats until ctx is cancelled. An error
// from fn is logged under name and never stops the loop: a bad cycle must not
// block progress on the next one. Run returns ctx.Err() once cancelled.
func Run(ctx context.Context, clk clock.Clock, interval time.Duration, name string, fn func(context.Context) error) error {
	for {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("loop", name).Msg("Scan cycle failed")
		}

		timer := clk.Timer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
