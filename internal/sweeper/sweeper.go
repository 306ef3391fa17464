// Package sweeper deletes aged processed folders that were never promoted.
// It is deliberately independent of the classifier: coordination happens
// through claim marker files, not shared state.
package sweeper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/ymgch/zakucam/internal/metrics"
)

// Sweeper removes processed folders older than the retention window.
type Sweeper struct {
	root      string
	retention time.Duration
	clock     clock.Clock
	metrics   *metrics.PipelineMetrics
}

// New builds a Sweeper over the processed root. metrics may be nil.
func New(root string, retention time.Duration, clk clock.Clock, m *metrics.PipelineMetrics) *Sweeper {
	return &Sweeper{root: root, retention: retention, clock: clk, metrics: m}
}

// Sweep runs one pass. Failures on individual folders are logged and left
// for the next pass; only a failure to list the root is returned.
func (s *Sweeper) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("scan processed root: %w", err)
	}

	deadline := s.clock.Now().Add(-s.retention)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(deadline) {
			continue
		}
		if s.claimed(name) {
			log.Debug().Str("folder", name).Msg("Folder claimed by classifier, skipped")
			continue
		}

		dir := filepath.Join(s.root, name)
		if err := os.RemoveAll(dir); err != nil {
			log.Error().Err(err).Str("folder", name).Msg("Retention delete failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.FolderSwept()
		}
		log.Info().Str("folder", name).Time("mtime", info.ModTime()).Msg("Aged folder swept")
	}
	return nil
}

// claimed reports whether the classifier holds a live claim on the folder. A
// stale marker from a crashed classifier does not block sweeping forever:
// markers older than an hour are ignored and cleaned up.
func (s *Sweeper) claimed(name string) bool {
	marker := filepath.Join(s.root, name+".claim")
	info, err := os.Stat(marker)
	if err != nil {
		return false
	}
	if s.clock.Now().Sub(info.ModTime()) > time.Hour {
		if err := os.Remove(marker); err != nil {
			log.Warn().Err(err).Str("marker", marker).Msg("Stale claim removal failed")
		}
		return false
	}
	return true
}
