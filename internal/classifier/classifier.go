// Package classifier is the storage-host daemon that decides which processed
// folders contain a person. Each folder is classified exactly once; the
// decision is durable in a state file, so a crash or a failed promotion never
// causes images to be scored again.
package classifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/ymgch/zakucam/internal/metrics"
	"github.com/ymgch/zakucam/internal/stability"
)

// Worker scans the processed root, classifies settled folders and promotes
// positive ones into the event store.
type Worker struct {
	processed string
	events    string
	logsDir   string

	detector  Detector
	stability *stability.Detector
	state     *State
	threshold float64
	minImages int
	clock     clock.Clock
	metrics   *metrics.PipelineMetrics
}

// Options carries the knobs a Worker needs beyond its collaborators.
type Options struct {
	ProcessedDir string
	EventsDir    string
	LogsDir      string
	Threshold    float64
	MinImages    int
}

// New builds a Worker. metrics may be nil.
func New(opts Options, det Detector, stab *stability.Detector, state *State, clk clock.Clock, m *metrics.PipelineMetrics) *Worker {
	return &Worker{
		processed: opts.ProcessedDir,
		events:    opts.EventsDir,
		logsDir:   opts.LogsDir,
		detector:  det,
		stability: stab,
		state:     state,
		threshold: opts.Threshold,
		minImages: opts.MinImages,
		clock:     clk,
		metrics:   m,
	}
}

// Scan runs one poll cycle. Per-folder failures are logged and left for the
// next cycle; only a failure to list the processed root is returned.
func (w *Worker) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.processed)
	if err != nil {
		return fmt.Errorf("scan processed: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if err := w.handleFolder(name); err != nil {
			log.Error().Err(err).Str("folder", name).Msg("Folder left for next cycle")
		}
	}

	w.forgetGone()
	return nil
}

// handleFolder advances one folder through its lifecycle based on the
// durable state record.
func (w *Worker) handleFolder(name string) error {
	dir := filepath.Join(w.processed, name)

	rec, known := w.state.Folders[name]
	switch {
	case known && rec.Status == statusNegative:
		// Awaiting retention sweep; nothing to do.
		return nil
	case known && rec.Status == statusPending:
		// Classified positive earlier but the move failed. Retry the move
		// only; the images are never scored again.
		return w.promote(name, rec)
	case known && rec.Status == statusPromoted:
		// A folder under a promoted name reappearing means a duplicate
		// delivery slipped past the extractor; leave it to retention.
		log.Warn().Str("folder", name).Msg("Folder reappeared after promotion, ignoring")
		return nil
	}

	if !w.stability.FolderIsStable(dir, w.minImages) {
		log.Debug().Str("folder", name).Msg("Folder still settling, skipped")
		return nil
	}
	return w.classify(name, dir)
}

// classify scores every image in the folder, records the verdict durably,
// then promotes on a positive. The state is saved before the move so a crash
// between the two steps resumes at the move, not at classification.
func (w *Worker) classify(name, dir string) error {
	images, err := listImages(dir)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}

	marker := dir + ".claim"
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return fmt.Errorf("write claim marker: %w", err)
	}
	defer os.Remove(marker)

	now := w.clock.Now()
	records := make([]Record, 0, len(images))
	rec := FolderState{Status: statusNegative, DecidedAt: now}
	for _, img := range images {
		conf, err := w.detector.Detect(filepath.Join(dir, img))
		if err != nil {
			records = append(records, Record{Time: now, Folder: name, Image: img, Err: err})
			log.Warn().Err(err).Str("folder", name).Str("image", img).Msg("Image skipped")
			continue
		}
		positive := conf >= w.threshold
		records = append(records, Record{Time: now, Folder: name, Image: img, Positive: positive, Confidence: conf})
		if w.metrics != nil {
			w.metrics.ImageClassified(positive)
		}
		if conf > rec.MaxConfidence {
			rec.MaxConfidence = conf
			rec.BestImage = img
		}
		if positive {
			rec.Status = statusPending
		}
	}

	if err := appendRecords(w.logsDir, now, records); err != nil {
		return fmt.Errorf("append events log: %w", err)
	}
	w.state.Folders[name] = rec
	if err := w.state.Save(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	log.Info().
		Str("folder", name).
		Int("images", len(images)).
		Float64("max_confidence", rec.MaxConfidence).
		Bool("positive", rec.Status == statusPending).
		Msg("Folder classified")

	if rec.Status == statusPending {
		return w.promote(name, rec)
	}
	return nil
}

// promote moves a positive folder into the event store and marks it
// promoted. A name collision in the event store gets a timestamp suffix
// rather than merging into the existing event.
func (w *Worker) promote(name string, rec FolderState) error {
	if err := os.MkdirAll(w.events, 0o755); err != nil {
		return fmt.Errorf("create events dir: %w", err)
	}

	src := filepath.Join(w.processed, name)
	dest := filepath.Join(w.events, name)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		// Crash after the move but before the state save; the folder is
		// already in the event store under some name. Just record it.
		return w.markPromoted(name, rec)
	}
	if _, err := os.Stat(dest); err == nil {
		dest = fmt.Sprintf("%s__moved_%s", dest, w.clock.Now().Format("20060102-150405"))
	}
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("promote %s: %w", name, err)
	}

	if rec.BestImage != "" {
		thumb := filepath.Join(dest, "thumbnail.jpg")
		if err := writeThumbnail(filepath.Join(dest, rec.BestImage), thumb); err != nil {
			// The event itself is safe; a missing cover is cosmetic.
			log.Warn().Err(err).Str("folder", name).Msg("Thumbnail generation failed")
		}
	}

	if err := w.markPromoted(name, rec); err != nil {
		return err
	}
	log.Info().Str("folder", name).Str("dest", dest).Float64("max_confidence", rec.MaxConfidence).Msg("Folder promoted")
	return nil
}

func (w *Worker) markPromoted(name string, rec FolderState) error {
	rec.Status = statusPromoted
	w.state.Folders[name] = rec
	if err := w.state.Save(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if w.metrics != nil {
		w.metrics.FolderPromoted()
	}
	return nil
}

// forgetGone drops state entries whose folder no longer exists in the
// processed root. Pending entries are kept even when the source is missing;
// losing one silently would hide a promotion failure.
func (w *Worker) forgetGone() {
	changed := false
	for name, rec := range w.state.Folders {
		if rec.Status == statusPending {
			continue
		}
		if _, err := os.Stat(filepath.Join(w.processed, name)); os.IsNotExist(err) {
			w.state.Forget(name)
			changed = true
		}
	}
	if changed {
		if err := w.state.Save(); err != nil {
			log.Warn().Err(err).Msg("State compaction failed")
		}
	}
}

// listImages returns the folder's image file names in lexical order, which
// matches capture order under the frame naming scheme.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if stability.IsImage(strings.ToLower(filepath.Ext(e.Name()))) {
			images = append(images, e.Name())
		}
	}
	sort.Strings(images)
	return images, nil
}
