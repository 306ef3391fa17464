// Package packager buffers the frames of one capture session into time-boxed
// zip archives. A window is sealed when the session's wall-clock cadence
// elapses or the session ends; empty windows are discarded, never shipped.
package packager

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog/log"

	"github.com/ymgch/zakucam/internal/capture"
)

func init() {
	// Swap the stdlib Deflate for the klauspost implementation; same wire
	// format, markedly faster on the capture host's small cores.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})
	zip.RegisterDecompressor(zip.Deflate, flate.NewReader)
}

// Status of an archive at the source host.
type Status int

const (
	StatusBuilding Status = iota
	StatusSealed
	StatusTransferring
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "building"
	case StatusSealed:
		return "sealed"
	case StatusTransferring:
		return "transferring"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Archive is a sealed, named bundle of frames ready for transfer.
type Archive struct {
	Name   string // YYYYMMDD-HHMMSS.zip
	Path   string
	Frames int
	Size   int64
	Status Status
}

// SealedFunc receives each archive the moment it is sealed.
type SealedFunc func(Archive)

// Sink implements capture.FrameSink for one session. Not safe for concurrent
// use: the capture loop is the only producer, matching the frame ownership
// contract.
type Sink struct {
	dir      string
	window   time.Duration
	clk      clock.Clock
	onSealed SealedFunc

	windowEnd time.Time
	buf       []capture.Frame
	sealed    int64
	added     int64
}

// NewSink creates the packager sink for a starting session. Window boundaries
// are computed from the session start, not wall-clock aligned, so drift does
// not compound across windows.
func NewSink(s *capture.Session, dir string, window time.Duration, clk clock.Clock, onSealed SealedFunc) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	return &Sink{
		dir:       dir,
		window:    window,
		clk:       clk,
		onSealed:  onSealed,
		windowEnd: s.StartedAt.Add(window),
	}, nil
}

// Add appends a frame to the current window, sealing the window first when
// the frame falls past its boundary. Quiet windows (no frames at all) are
// skipped without emitting anything.
func (p *Sink) Add(f capture.Frame) error {
	for !f.CapturedAt.Before(p.windowEnd) {
		if err := p.seal(); err != nil {
			return err
		}
		p.windowEnd = p.windowEnd.Add(p.window)
	}
	p.buf = append(p.buf, f)
	p.added++
	return nil
}

// Close seals the final, possibly short window of the session.
func (p *Sink) Close() error {
	return p.seal()
}

// Added and Sealed expose frame conservation: every frame added to the sink
// must end up in exactly one sealed archive.
func (p *Sink) Added() int64  { return p.added }
func (p *Sink) Sealed() int64 { return p.sealed }

func (p *Sink) seal() error {
	if len(p.buf) == 0 {
		return nil
	}
	frames := p.buf
	p.buf = nil

	name := p.clk.Now().Format("20060102-150405") + ".zip"
	path, err := p.writeZip(name, frames)
	if err != nil {
		// Frames stay owned by the sink; the next seal retries them.
		p.buf = frames
		return fmt.Errorf("seal archive %s: %w", name, err)
	}

	info, err := os.Stat(path)
	var size int64
	if err == nil {
		size = info.Size()
	}
	p.sealed += int64(len(frames))

	archive := Archive{
		Name:   filepath.Base(path),
		Path:   path,
		Frames: len(frames),
		Size:   size,
		Status: StatusSealed,
	}
	log.Info().Str("archive", archive.Name).Int("frames", archive.Frames).Int64("bytes", size).Msg("Archive sealed")

	if p.onSealed != nil {
		p.onSealed(archive)
	}
	return nil
}

// writeZip builds the archive under a temporary name and renames it into
// place, so nothing ever observes a half-written .zip. Returns the final path.
func (p *Sink) writeZip(name string, frames []capture.Frame) (string, error) {
	final := filepath.Join(p.dir, name)
	final = uniquify(final)
	tmp := final + ".building"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(f)
	for _, frame := range frames {
		entry := fmt.Sprintf("%06d_%d.jpg", frame.Seq, frame.CapturedAt.UnixMilli())
		w, err := zw.Create(entry)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return "", fmt.Errorf("create entry %s: %w", entry, err)
		}
		if _, err := w.Write(frame.Payload); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", fmt.Errorf("write entry %s: %w", entry, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("flush archive: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish archive: %w", err)
	}
	return final, nil
}

// uniquify avoids clobbering an earlier archive sealed within the same
// second, e.g. a short final window right after a cadence seal.
func uniquify(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
