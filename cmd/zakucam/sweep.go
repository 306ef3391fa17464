package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ymgch/zakucam/internal/config"
	"github.com/ymgch/zakucam/internal/logging"
	"github.com/ymgch/zakucam/internal/metrics"
	"github.com/ymgch/zakucam/internal/poll"
	"github.com/ymgch/zakucam/internal/sweeper"
)

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete aged processed folders",
	Long: `Sweep removes non-promoted processed folders older than the
retention window. By default it runs as a periodic daemon; with --once it
makes a single pass and exits, for use under cron or a systemd timer.`,
	Run: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "Run a single pass and exit")
}

func runSweep(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	if err := cfg.ValidateSweep(); err != nil {
		log.Fatal().Err(err).Msg("Invalid sweep configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	s := sweeper.New(cfg.ProcessedDir, cfg.Retention, clk, metrics.New())

	if sweepOnce {
		if err := s.Sweep(ctx); err != nil {
			log.Fatal().Err(err).Msg("Sweep pass failed")
		}
		return
	}

	logging.NewStartupLogger("sweep").
		Dir("processed", cfg.ProcessedDir).
		Config("retention", cfg.Retention.String()).
		Config("pollInterval", cfg.PollInterval.String()).
		Feature("once", sweepOnce).
		Log()

	if err := poll.Run(ctx, clk, cfg.PollInterval, "sweeper", s.Sweep); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Sweeper loop failed")
	}
	log.Info().Msg("Sweep daemon stopped")
}
