package packager

import (
	"archive/zip"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ymgch/zakucam/internal/capture"
)

func newSession(clk clock.Clock) *capture.Session {
	return &capture.Session{ID: uuid.New(), Mode: capture.ModeContinuous, StartedAt: clk.Now()}
}

func frameAt(s *capture.Session, seq int64, at time.Time) capture.Frame {
	return capture.Frame{
		Session:    s.ID,
		Seq:        seq,
		CapturedAt: at,
		Payload:    []byte(fmt.Sprintf("frame-%d", seq)),
	}
}

func readEntries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

func TestCadenceWindowSealing(t *testing.T) {
	mock := clock.NewMock()
	dir := t.TempDir()
	s := newSession(mock)

	var sealed []Archive
	sink, err := NewSink(s, dir, 60*time.Second, mock, func(a Archive) { sealed = append(sealed, a) })
	if err != nil {
		t.Fatal(err)
	}

	// 3 fps over one 60-second window: 180 frames, all in one archive.
	start := mock.Now()
	seq := int64(0)
	for i := 0; i < 180; i++ {
		seq++
		at := start.Add(time.Duration(i) * time.Second / 3)
		if err := sink.Add(frameAt(s, seq, at)); err != nil {
			t.Fatal(err)
		}
	}

	// First frame of the next window forces the seal.
	mock.Add(60 * time.Second)
	seq++
	if err := sink.Add(frameAt(s, seq, start.Add(60*time.Second))); err != nil {
		t.Fatal(err)
	}

	if len(sealed) != 1 {
		t.Fatalf("sealed %d archives, want 1", len(sealed))
	}
	if sealed[0].Frames != 180 {
		t.Errorf("archive holds %d frames, want 180", sealed[0].Frames)
	}
	wantName := start.Add(60*time.Second).Format("20060102-150405") + ".zip"
	if sealed[0].Name != wantName {
		t.Errorf("archive name = %q, want %q", sealed[0].Name, wantName)
	}
	if sealed[0].Status != StatusSealed {
		t.Errorf("archive status = %v, want sealed", sealed[0].Status)
	}
	if len(readEntries(t, sealed[0].Path)) != 180 {
		t.Error("zip entry count does not match frame count")
	}
}

func TestShortFinalArchiveOnClose(t *testing.T) {
	mock := clock.NewMock()
	s := newSession(mock)

	var sealed []Archive
	sink, err := NewSink(s, t.TempDir(), time.Minute, mock, func(a Archive) { sealed = append(sealed, a) })
	if err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 7; i++ {
		if err := sink.Add(frameAt(s, i, mock.Now())); err != nil {
			t.Fatal(err)
		}
		mock.Add(time.Second)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	if len(sealed) != 1 {
		t.Fatalf("sealed %d archives, want 1 short final archive", len(sealed))
	}
	if sealed[0].Frames != 7 {
		t.Errorf("final archive holds %d frames, want 7", sealed[0].Frames)
	}
}

func TestEmptySessionEmitsNothing(t *testing.T) {
	mock := clock.NewMock()
	s := newSession(mock)

	var sealed []Archive
	sink, err := NewSink(s, t.TempDir(), time.Minute, mock, func(a Archive) { sealed = append(sealed, a) })
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if len(sealed) != 0 {
		t.Errorf("empty session sealed %d archives, want 0", len(sealed))
	}
}

func TestQuietWindowsSkipped(t *testing.T) {
	mock := clock.NewMock()
	s := newSession(mock)

	var sealed []Archive
	sink, err := NewSink(s, t.TempDir(), time.Minute, mock, func(a Archive) { sealed = append(sealed, a) })
	if err != nil {
		t.Fatal(err)
	}

	start := mock.Now()
	if err := sink.Add(frameAt(s, 1, start)); err != nil {
		t.Fatal(err)
	}
	// Next frame lands three windows later; the two empty windows in between
	// must not produce archives.
	mock.Add(3 * time.Minute)
	if err := sink.Add(frameAt(s, 2, start.Add(3*time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	if len(sealed) != 2 {
		t.Fatalf("sealed %d archives, want 2 (no empties)", len(sealed))
	}
	for _, a := range sealed {
		if a.Frames != 1 {
			t.Errorf("archive %s holds %d frames, want 1", a.Name, a.Frames)
		}
	}
}

func TestFrameConservation(t *testing.T) {
	mock := clock.NewMock()
	s := newSession(mock)

	var sealed []Archive
	sink, err := NewSink(s, t.TempDir(), 30*time.Second, mock, func(a Archive) { sealed = append(sealed, a) })
	if err != nil {
		t.Fatal(err)
	}

	// Spread 100 frames over several windows with uneven gaps.
	for i := int64(1); i <= 100; i++ {
		if err := sink.Add(frameAt(s, i, mock.Now())); err != nil {
			t.Fatal(err)
		}
		if i%10 == 0 {
			mock.Add(25 * time.Second)
		} else {
			mock.Add(time.Second)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	total := 0
	for _, a := range sealed {
		total += a.Frames
	}
	if total != 100 {
		t.Errorf("frames across sealed archives = %d, want 100 (none dropped)", total)
	}
	if sink.Added() != sink.Sealed() {
		t.Errorf("Added() = %d, Sealed() = %d", sink.Added(), sink.Sealed())
	}
}

func TestEntriesPreserveFrameOrder(t *testing.T) {
	mock := clock.NewMock()
	s := newSession(mock)

	var sealed []Archive
	sink, err := NewSink(s, t.TempDir(), time.Minute, mock, func(a Archive) { sealed = append(sealed, a) })
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 5; i++ {
		if err := sink.Add(frameAt(s, i, mock.Now())); err != nil {
			t.Fatal(err)
		}
		mock.Add(time.Second)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	entries := readEntries(t, sealed[0].Path)
	if !sort.StringsAreSorted(entries) {
		t.Errorf("zip entries not in sequence order: %v", entries)
	}
	if len(entries) != 5 {
		t.Errorf("entry count = %d, want 5", len(entries))
	}
}

func TestSealCollisionGetsUniqueName(t *testing.T) {
	mock := clock.NewMock()
	s := newSession(mock)

	dir := t.TempDir()
	var sealed []Archive
	sink, err := NewSink(s, dir, time.Minute, mock, func(a Archive) { sealed = append(sealed, a) })
	if err != nil {
		t.Fatal(err)
	}

	// Two seals at the same mock instant: cadence seal then session end.
	start := mock.Now()
	if err := sink.Add(frameAt(s, 1, start)); err != nil {
		t.Fatal(err)
	}
	if err := sink.Add(frameAt(s, 2, start.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	if len(sealed) != 2 {
		t.Fatalf("sealed %d archives, want 2", len(sealed))
	}
	if sealed[0].Name == sealed[1].Name {
		t.Errorf("colliding archive names: %q", sealed[0].Name)
	}
	for _, a := range sealed {
		if filepath.Dir(a.Path) != dir {
			t.Errorf("archive outside capture dir: %s", a.Path)
		}
	}
}
