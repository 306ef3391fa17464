// Package stability decides whether a filesystem entry has stopped changing
// for long enough to be safely consumed. Producers in this pipeline (sftp
// uploads on the capture side, the extractor populating processed folders)
// write in bursts, so the only portable signal that a unit is complete is its
// modification time going quiet. The predicate is pure: it caches nothing,
// and callers must re-evaluate it on every poll cycle because a producer may
// resume writing.
package stability

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// StatFunc resolves a path to file metadata. os.Stat in production; tests
// substitute a fake so no real filesystem timing is involved.
type StatFunc func(path string) (fs.FileInfo, error)

// Detector reports quiescence of files and folders against a configured
// threshold. The threshold must exceed the worst-case inter-write gap of the
// producer; 15 seconds is the observed default for chunked sftp uploads.
type Detector struct {
	Clock     clock.Clock
	Stat      StatFunc
	Threshold time.Duration
}

// New returns a Detector over the real filesystem and wall clock.
func New(threshold time.Duration) *Detector {
	return &Detector{Clock: clock.New(), Stat: os.Stat, Threshold: threshold}
}

// IsStable reports whether path has not been modified for at least the
// threshold. A path that cannot be stat'ed (racing delete or rename) is
// reported unstable; the caller simply skips it this cycle.
func (d *Detector) IsStable(path string) bool {
	info, err := d.Stat(path)
	if err != nil {
		return false
	}
	return d.Clock.Now().Sub(info.ModTime()) >= d.Threshold
}

// IsStableInfo is IsStable for metadata the caller already holds, avoiding a
// second stat when directory listings carry the info along.
func (d *Detector) IsStableInfo(info fs.FileInfo) bool {
	return d.Clock.Now().Sub(info.ModTime()) >= d.Threshold
}

// imageExts mirrors the formats the capture host produces.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// IsImage reports whether ext (lower-cased, with dot) is a supported image
// extension.
func IsImage(ext string) bool {
	return imageExts[ext]
}

// NewestImageModTime returns the most recent modification time among the
// image files directly inside dir, and how many images were seen. A folder is
// judged quiet by its newest member: the extractor writes members one by one,
// so the newest mtime is the last write the producer made.
func NewestImageModTime(dir string) (time.Time, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, 0, err
	}

	var newest time.Time
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !IsImage(strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info; treat as not there.
			continue
		}
		count++
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, count, nil
}

// FolderIsStable reports whether dir contains at least minImages image files
// and its newest image has been quiet for the threshold. Empty folders are
// never stable: there is nothing safe to consume yet.
func (d *Detector) FolderIsStable(dir string, minImages int) bool {
	newest, count, err := NewestImageModTime(dir)
	if err != nil || count < minImages || newest.IsZero() {
		return false
	}
	return d.Clock.Now().Sub(newest) >= d.Threshold
}
