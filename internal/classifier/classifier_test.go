package classifier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ymgch/zakucam/internal/stability"
)

// fakeDetector returns scripted confidences per image name and counts calls
// so tests can prove images are never scored twice.
type fakeDetector struct {
	scores map[string]float64
	errors map[string]error
	calls  int
}

func (d *fakeDetector) Detect(imagePath string) (float64, error) {
	d.calls++
	name := filepath.Base(imagePath)
	if err, ok := d.errors[name]; ok {
		return 0, err
	}
	return d.scores[name], nil
}

func (d *fakeDetector) Close() error { return nil }

type fixture struct {
	processed, events, logs string
	det                     *fakeDetector
	worker                  *Worker
	state                   *State
	clock                   *clock.Mock
}

func newFixture(t *testing.T, det *fakeDetector) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		processed: filepath.Join(root, "processed"),
		events:    filepath.Join(root, "events"),
		logs:      filepath.Join(root, "logs"),
		det:       det,
		clock:     clock.NewMock(),
	}
	for _, d := range []string{f.processed, f.events, f.logs} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	f.clock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	state, err := LoadState(filepath.Join(root, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	f.state = state
	f.worker = New(Options{
		ProcessedDir: f.processed,
		EventsDir:    f.events,
		LogsDir:      f.logs,
		Threshold:    0.30,
		MinImages:    1,
	}, det, stability.New(15*time.Second), state, f.clock, nil)
	return f
}

// writeFolder creates a processed folder with the given images, backdated so
// the quiescence check passes.
func (f *fixture) writeFolder(t *testing.T, name string, images ...string) {
	t.Helper()
	dir := filepath.Join(f.processed, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	for _, img := range images {
		p := filepath.Join(dir, img)
		if err := os.WriteFile(p, []byte("frame"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) scan(t *testing.T) {
	t.Helper()
	if err := f.worker.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestPositiveFolderPromoted(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{
		"000001_1.jpg": 0.05,
		"000002_2.jpg": 0.82,
	}}
	f := newFixture(t, det)
	f.writeFolder(t, "20250601-115500", "000001_1.jpg", "000002_2.jpg")

	f.scan(t)

	if _, err := os.Stat(filepath.Join(f.events, "20250601-115500")); err != nil {
		t.Fatal("positive folder not moved to events")
	}
	if _, err := os.Stat(filepath.Join(f.processed, "20250601-115500")); !os.IsNotExist(err) {
		t.Error("promoted folder still present in processed")
	}
	rec := f.state.Folders["20250601-115500"]
	if rec.Status != statusPromoted {
		t.Errorf("state = %q, want promoted", rec.Status)
	}
	if rec.BestImage != "000002_2.jpg" || rec.MaxConfidence != 0.82 {
		t.Errorf("best image = %q (%.2f), want 000002_2.jpg (0.82)", rec.BestImage, rec.MaxConfidence)
	}
}

func TestNegativeFolderStaysAndIsNotRescored(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{
		"a.jpg": 0.10,
		"b.jpg": 0.29,
	}}
	f := newFixture(t, det)
	f.writeFolder(t, "quiet", "a.jpg", "b.jpg")

	f.scan(t)

	if _, err := os.Stat(filepath.Join(f.processed, "quiet")); err != nil {
		t.Fatal("negative folder removed from processed")
	}
	if got := f.state.Folders["quiet"].Status; got != statusNegative {
		t.Errorf("state = %q, want negative", got)
	}

	calls := det.calls
	f.scan(t)
	if det.calls != calls {
		t.Errorf("negative folder rescored: %d extra calls", det.calls-calls)
	}
}

func TestUppercaseExtensionsScored(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{
		"000001_1.JPG": 0.91,
		"000002_2.PNG": 0.05,
	}}
	f := newFixture(t, det)
	f.writeFolder(t, "shouty", "000001_1.JPG", "000002_2.PNG")

	f.scan(t)

	if det.calls != 2 {
		t.Errorf("scored %d images, want 2; extension case must not matter", det.calls)
	}
	if _, err := os.Stat(filepath.Join(f.events, "shouty")); err != nil {
		t.Error("folder with uppercase-extension images not promoted")
	}
	if got := f.state.Folders["shouty"].Status; got != statusPromoted {
		t.Errorf("state = %q, want promoted", got)
	}
}

func TestThresholdIsInclusive(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{"a.jpg": 0.30}}
	f := newFixture(t, det)
	f.writeFolder(t, "edge", "a.jpg")

	f.scan(t)

	if _, err := os.Stat(filepath.Join(f.events, "edge")); err != nil {
		t.Error("confidence exactly at threshold must promote")
	}
}

func TestSettlingFolderSkipped(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{"a.jpg": 0.99}}
	f := newFixture(t, det)
	f.writeFolder(t, "fresh", "a.jpg")
	now := time.Now()
	if err := os.Chtimes(filepath.Join(f.processed, "fresh", "a.jpg"), now, now); err != nil {
		t.Fatal(err)
	}

	f.scan(t)

	if det.calls != 0 {
		t.Error("settling folder was classified before quiescence")
	}
	if _, known := f.state.Folders["fresh"]; known {
		t.Error("settling folder recorded in state")
	}
}

func TestFailedPromotionRetriedWithoutRescoring(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{"a.jpg": 0.90}}
	f := newFixture(t, det)
	f.writeFolder(t, "blocked", "a.jpg")

	// Make the move fail by putting a plain file where the events dir goes.
	if err := os.RemoveAll(f.events); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.events, []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}

	f.scan(t)

	if got := f.state.Folders["blocked"].Status; got != statusPending {
		t.Fatalf("state after failed move = %q, want pending", got)
	}
	if _, err := os.Stat(filepath.Join(f.processed, "blocked")); err != nil {
		t.Fatal("folder lost after failed promotion")
	}

	// Clear the obstruction; the retry must move without re-detecting.
	if err := os.Remove(f.events); err != nil {
		t.Fatal(err)
	}
	calls := det.calls
	f.scan(t)

	if det.calls != calls {
		t.Errorf("promotion retry rescored images: %d extra calls", det.calls-calls)
	}
	if _, err := os.Stat(filepath.Join(f.events, "blocked")); err != nil {
		t.Error("folder not promoted on retry")
	}
	if got := f.state.Folders["blocked"].Status; got != statusPromoted {
		t.Errorf("state after retry = %q, want promoted", got)
	}
}

func TestPromotionCollisionGetsSuffix(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{"a.jpg": 0.75}}
	f := newFixture(t, det)
	f.writeFolder(t, "clash", "a.jpg")
	if err := os.MkdirAll(filepath.Join(f.events, "clash"), 0o755); err != nil {
		t.Fatal(err)
	}

	f.scan(t)

	moved := filepath.Join(f.events, "clash__moved_20250601-120000")
	if _, err := os.Stat(filepath.Join(moved, "a.jpg")); err != nil {
		t.Errorf("collision promotion missing at %s: %v", moved, err)
	}
}

func TestUnreadableImageLoggedAndFolderStillDecided(t *testing.T) {
	det := &fakeDetector{
		scores: map[string]float64{"good.jpg": 0.55},
		errors: map[string]error{"bad.jpg": os.ErrInvalid},
	}
	f := newFixture(t, det)
	f.writeFolder(t, "mixed", "bad.jpg", "good.jpg")

	f.scan(t)

	if _, err := os.Stat(filepath.Join(f.events, "mixed")); err != nil {
		t.Error("folder with one unreadable image not promoted on the readable one")
	}

	data, err := os.ReadFile(filepath.Join(f.logs, "events_20250601.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "mixed,bad.jpg,ERROR,") {
		t.Errorf("events log missing ERROR row:\n%s", data)
	}
	if !strings.Contains(string(data), "mixed,good.jpg,YES,0.5500") {
		t.Errorf("events log missing YES row:\n%s", data)
	}
}

func TestEventsLogDatedAndAppended(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{"a.jpg": 0.10, "b.jpg": 0.10}}
	f := newFixture(t, det)
	f.writeFolder(t, "one", "a.jpg")
	f.scan(t)
	f.writeFolder(t, "two", "b.jpg")
	f.scan(t)

	data, err := os.ReadFile(filepath.Join(f.logs, "events_20250601.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "utc_time,folder,image,human,confidence" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 3 {
		t.Errorf("log has %d lines, want header plus 2 rows:\n%s", len(lines), data)
	}
}

func TestClaimMarkerRemovedAfterClassification(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{"a.jpg": 0.10}}
	f := newFixture(t, det)
	f.writeFolder(t, "marked", "a.jpg")

	f.scan(t)

	if _, err := os.Stat(filepath.Join(f.processed, "marked.claim")); !os.IsNotExist(err) {
		t.Error("claim marker left behind after classification")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	det := &fakeDetector{scores: map[string]float64{"a.jpg": 0.12}}
	f := newFixture(t, det)
	f.writeFolder(t, "sticky", "a.jpg")
	f.scan(t)

	reloaded, err := LoadState(f.state.path)
	if err != nil {
		t.Fatal(err)
	}
	w2 := New(Options{
		ProcessedDir: f.processed,
		EventsDir:    f.events,
		LogsDir:      f.logs,
		Threshold:    0.30,
		MinImages:    1,
	}, det, stability.New(15*time.Second), reloaded, f.clock, nil)

	calls := det.calls
	if err := w2.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if det.calls != calls {
		t.Error("restart caused reclassification of a decided folder")
	}
}

func TestThumbnailDimensions(t *testing.T) {
	cases := []struct {
		w, h, wantW, wantH int
	}{
		{2304, 1296, 320, 180},
		{1296, 2304, 180, 320},
		{100, 50, 100, 50},
		{320, 320, 320, 320},
		{6400, 2, 320, 1},
	}
	for _, c := range cases {
		gotW, gotH := thumbnailDimensions(c.w, c.h)
		if gotW != c.wantW || gotH != c.wantH {
			t.Errorf("thumbnailDimensions(%d, %d) = (%d, %d), want (%d, %d)", c.w, c.h, gotW, gotH, c.wantW, c.wantH)
		}
	}
}
