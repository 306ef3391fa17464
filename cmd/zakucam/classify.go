package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ymgch/zakucam/internal/classifier"
	"github.com/ymgch/zakucam/internal/config"
	"github.com/ymgch/zakucam/internal/logging"
	"github.com/ymgch/zakucam/internal/metrics"
	"github.com/ymgch/zakucam/internal/poll"
	"github.com/ymgch/zakucam/internal/stability"
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Run the storage-host classification daemon",
	Long: `Classify scores every image in each settled processed folder with
the person detector, promotes folders containing a person to the event store
and records each decision in the daily events log.`,
	Run: runClassify,
}

func runClassify(cmd *cobra.Command, args []string) {
	start := time.Now()
	cfg := config.Load()
	if err := cfg.ValidateClassify(); err != nil {
		log.Fatal().Err(err).Msg("Invalid classify configuration")
	}
	for _, dir := range []string{cfg.ProcessedDir, cfg.EventsDir, cfg.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("Cannot create data directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	det, err := classifier.NewDNNDetector(cfg.ModelPath, cfg.ModelConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("model", cfg.ModelPath).Msg("Cannot load detector model")
	}
	defer det.Close()

	state, err := classifier.LoadState(cfg.StatePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StatePath).Msg("Cannot load worker state")
	}

	m := metrics.New()
	serveMetrics(ctx, cfg.MetricsAddr, m)

	clk := clock.New()
	worker := classifier.New(classifier.Options{
		ProcessedDir: cfg.ProcessedDir,
		EventsDir:    cfg.EventsDir,
		LogsDir:      cfg.LogsDir,
		Threshold:    cfg.Threshold,
		MinImages:    cfg.MinImages,
	}, det, stability.New(cfg.StableAge), state, clk, m)

	logging.NewStartupLogger("classify").
		Dir("processed", cfg.ProcessedDir).
		Dir("events", cfg.EventsDir).
		Dir("logs", cfg.LogsDir).
		Endpoint("metrics", cfg.MetricsAddr).
		Config("threshold", fmt.Sprintf("%g", cfg.Threshold)).
		Config("model", cfg.ModelPath).
		Config("statePath", cfg.StatePath).
		InitDuration(time.Since(start)).
		Log()

	if err := poll.Run(ctx, clk, cfg.PollInterval, "classifier", worker.Scan); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Classifier loop failed")
	}
	log.Info().Msg("Classify daemon stopped")
}
