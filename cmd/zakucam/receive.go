package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ymgch/zakucam/internal/config"
	"github.com/ymgch/zakucam/internal/extractor"
	"github.com/ymgch/zakucam/internal/logging"
	"github.com/ymgch/zakucam/internal/metrics"
	"github.com/ymgch/zakucam/internal/poll"
	"github.com/ymgch/zakucam/internal/stability"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Run the storage-host extractor daemon",
	Long: `Receive watches the inbound directory for archives pushed by the
capture host, waits for each to stop changing, and extracts it into the
processed root for the classifier.`,
	Run: runReceive,
}

func runReceive(cmd *cobra.Command, args []string) {
	start := time.Now()
	cfg := config.Load()
	if err := cfg.ValidateCommon(); err != nil {
		log.Fatal().Err(err).Msg("Invalid receive configuration")
	}
	for _, dir := range []string{cfg.IncomingDir, cfg.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("Cannot create data directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	serveMetrics(ctx, cfg.MetricsAddr, m)

	ext := extractor.New(cfg.IncomingDir, cfg.ProcessedDir, stability.New(cfg.StableAge), m)

	logging.NewStartupLogger("receive").
		Dir("incoming", cfg.IncomingDir).
		Dir("processed", cfg.ProcessedDir).
		Endpoint("metrics", cfg.MetricsAddr).
		Config("stableAge", cfg.StableAge.String()).
		Config("pollInterval", cfg.PollInterval.String()).
		InitDuration(time.Since(start)).
		Log()

	if err := poll.Run(ctx, clock.New(), cfg.PollInterval, "extractor", ext.Scan); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Extractor loop failed")
	}
	log.Info().Msg("Receive daemon stopped")
}

// serveMetrics exposes the daemon's registry in the background. Scrape
// failures must never affect the pipeline, so server errors are only logged.
func serveMetrics(ctx context.Context, addr string, m *metrics.PipelineMetrics) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
}
