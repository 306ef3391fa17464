// Package extractor is the storage-host daemon that turns inbound archives
// into processed folders. An archive may still be mid-upload when it first
// appears, so every entry must pass the quiescence check before it is
// claimed; extraction itself is idempotent and crash-safe (temp dir plus
// atomic rename), and a corrupt archive is preserved for inspection, never
// deleted.
package extractor

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ymgch/zakucam/internal/metrics"
	"github.com/ymgch/zakucam/internal/stability"
)

// Extractor watches an inbound directory and extracts stable archives into
// the processed root.
type Extractor struct {
	incoming  string
	processed string
	detector  *stability.Detector
	metrics   *metrics.PipelineMetrics

	mu     sync.Mutex
	claims map[string]struct{}
}

// New builds an Extractor. metrics may be nil.
func New(incoming, processed string, detector *stability.Detector, m *metrics.PipelineMetrics) *Extractor {
	return &Extractor{
		incoming:  incoming,
		processed: processed,
		detector:  detector,
		metrics:   m,
		claims:    make(map[string]struct{}),
	}
}

// Scan runs one poll cycle over the inbound directory. Errors on individual
// archives are logged and do not block siblings; only a failure to list the
// directory itself is returned.
func (e *Extractor) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(e.incoming)
	if err != nil {
		return fmt.Errorf("scan incoming: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".zip") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Raced with a rename or delete; next cycle sees the truth.
			continue
		}
		if !e.detector.IsStableInfo(info) {
			log.Debug().Str("archive", name).Msg("Archive still settling, skipped")
			continue
		}

		if !e.claim(name) {
			continue
		}
		err = e.processOne(filepath.Join(e.incoming, name))
		e.release(name)

		if e.metrics != nil {
			e.metrics.ArchiveExtracted(err == nil)
		}
		if err != nil {
			// The archive stays in incoming and returns to Pending; a later
			// cycle retries it. Corrupt input is kept for manual inspection.
			log.Error().Err(err).Str("archive", name).Msg("Extraction failed, archive kept")
		}
	}
	return nil
}

// claim marks an archive as Extracting. Returns false when another claim is
// already held, guaranteeing no entry is extracted twice concurrently.
func (e *Extractor) claim(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.claims[name]; held {
		return false
	}
	e.claims[name] = struct{}{}
	return true
}

func (e *Extractor) release(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.claims, name)
}

// processOne extracts a single archive into processed/<name-without-ext> and
// removes the source zip on success. A target folder that already exists
// means an earlier attempt (or a duplicate delivery) completed; the zip is
// dropped without re-extracting.
func (e *Extractor) processOne(zipPath string) error {
	base := strings.TrimSuffix(filepath.Base(zipPath), ".zip")
	target := filepath.Join(e.processed, base)

	if _, err := os.Stat(target); err == nil {
		if err := os.Remove(zipPath); err != nil {
			return fmt.Errorf("remove duplicate zip: %w", err)
		}
		log.Info().Str("archive", filepath.Base(zipPath)).Str("target", target).Msg("Already processed, removed duplicate zip")
		return nil
	}

	// Extract to a temp dir inside the processed root, then rename. Nothing
	// downstream can observe a half-populated folder under its final name.
	tmp, err := os.MkdirTemp(e.processed, ".extract-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := ExtractZip(zipPath, tmp); err != nil {
		return err
	}

	if err := os.Rename(tmp, target); err != nil {
		if _, statErr := os.Stat(target); statErr == nil {
			// Lost a race with another extraction of the same archive.
			if rmErr := os.Remove(zipPath); rmErr != nil {
				return fmt.Errorf("remove duplicate zip: %w", rmErr)
			}
			return nil
		}
		return fmt.Errorf("publish %s: %w", target, err)
	}

	if err := os.Remove(zipPath); err != nil {
		// Extraction succeeded; a lingering zip is handled as a duplicate
		// next cycle.
		log.Warn().Err(err).Str("archive", filepath.Base(zipPath)).Msg("Extracted but source removal failed")
	}

	log.Info().Str("archive", filepath.Base(zipPath)).Str("target", target).Msg("Archive extracted")
	return nil
}

// ExtractZip unpacks zipPath into destDir, refusing entries that would
// escape it (zip-slip).
func ExtractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if !filepath.IsLocal(filepath.FromSlash(f.Name)) {
			return fmt.Errorf("unsafe path in zip: %s", f.Name)
		}
		dest := filepath.Join(destDir, filepath.FromSlash(f.Name))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", f.Name, err)
		}

		if err := extractFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return out.Close()
}
