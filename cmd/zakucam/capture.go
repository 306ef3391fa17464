package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ymgch/zakucam/internal/capture"
	"github.com/ymgch/zakucam/internal/config"
	"github.com/ymgch/zakucam/internal/health"
	"github.com/ymgch/zakucam/internal/logging"
	"github.com/ymgch/zakucam/internal/packager"
	"github.com/ymgch/zakucam/internal/poll"
	"github.com/ymgch/zakucam/internal/transfer"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run the camera-host daemon",
	Long: `Capture runs the camera host: the mode controller behind the HTTP
control surface, the archive packager sealing continuous-mode frames on the
cadence window, and the transfer agent shipping sealed archives to the
storage host over SFTP.`,
	Run: runCapture,
}

// logActuator stands in when no servo hardware is wired up; cruise sweeps
// still exercise the full mode lifecycle.
type logActuator struct{}

func (logActuator) Goto(angleDeg float64) error {
	log.Debug().Float64("angle", angleDeg).Msg("Actuator position")
	return nil
}

func runCapture(cmd *cobra.Command, args []string) {
	start := time.Now()
	cfg := config.Load()
	if err := cfg.ValidateCapture(); err != nil {
		log.Fatal().Err(err).Msg("Invalid capture configuration")
	}
	for _, dir := range []string{cfg.CaptureDir, cfg.ImageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("Cannot create data directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := capture.NewCameraSource(cfg.CameraDevice)
	if err != nil {
		log.Fatal().Err(err).Int("device", cfg.CameraDevice).Msg("Cannot open camera")
	}
	defer source.Close()

	clk := clock.New()
	ctrl := capture.NewController(capture.Options{
		Source:   source,
		Actuator: logActuator{},
		Clock:    clk,
		SaveFPS:  cfg.SaveFPS,
		ImageDir: cfg.ImageDir,
		Sinks: func(s *capture.Session) (capture.FrameSink, error) {
			// The sink logs each sealed archive itself; transfer is driven
			// by the directory sweep, so no callback is needed here.
			return packager.NewSink(s, cfg.CaptureDir, cfg.CadenceWindow, clk, nil)
		},
		MaxClients: cfg.MaxClients,
	})
	defer ctrl.StopActive()

	agent := transfer.NewAgent(&transfer.SFTPUploader{
		User:      cfg.RemoteUser,
		Host:      cfg.RemoteHost,
		RemoteDir: cfg.RemotePath,
		KeyPath:   cfg.SSHKeyPath,
		Timeout:   cfg.SSHTimeout,
	})

	// Ship sealed archives on the poll cadence; failures stay local and are
	// retried on the next pass.
	go func() {
		if err := poll.Run(ctx, clk, cfg.PollInterval, "transfer", func(ctx context.Context) error {
			return agent.SweepDir(ctx, cfg.CaptureDir)
		}); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Transfer loop ended")
		}
	}()

	srv := health.NewServer(ctx, cfg.HTTPAddr, ctrl)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Server shutdown incomplete")
		}
	}()

	logging.NewStartupLogger("capture").
		Dir("captures", cfg.CaptureDir).
		Dir("images", cfg.ImageDir).
		Endpoint("http", cfg.HTTPAddr).
		Endpoint("remote", fmt.Sprintf("%s:%s", cfg.RemoteHost, cfg.RemotePath)).
		Config("saveFPS", fmt.Sprintf("%g", cfg.SaveFPS)).
		Config("cadenceWindow", cfg.CadenceWindow.String()).
		Config("maxClients", strconv.Itoa(cfg.MaxClients)).
		InitDuration(time.Since(start)).
		Log()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Capture daemon stopped")
}
