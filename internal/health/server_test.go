package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ymgch/zakucam/internal/capture"
)

type stubSource struct{}

func (stubSource) Capture(ctx context.Context) ([]byte, error) { return []byte{0xff}, nil }
func (stubSource) Still(ctx context.Context) ([]byte, error)   { return []byte{0xff, 0xd8}, nil }
func (stubSource) Close() error                                { return nil }

type nullSink struct{}

func (nullSink) Add(capture.Frame) error { return nil }
func (nullSink) Close() error            { return nil }

type noopActuator struct{}

func (noopActuator) Goto(float64) error { return nil }

func newTestHandler(t *testing.T) (http.Handler, *capture.Controller) {
	t.Helper()
	ctrl := capture.NewController(capture.Options{
		Source:   stubSource{},
		Actuator: noopActuator{},
		Sinks: func(*capture.Session) (capture.FrameSink, error) {
			return nullSink{}, nil
		},
		SaveFPS:    3,
		ImageDir:   t.TempDir(),
		MaxClients: 2,
	})
	t.Cleanup(ctrl.StopActive)
	return Handler(context.Background(), ctrl), ctrl
}

func TestHealthSnapshot(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st capture.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Mode != "idle" || st.ContinuousRunning || st.CruiseRunning {
		t.Errorf("fresh controller reported %+v", st)
	}
	if st.MaxClients != 2 {
		t.Errorf("max_clients = %d, want 2", st.MaxClients)
	}
}

func TestHealthRejectsPost(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestContinuousToggle(t *testing.T) {
	h, ctrl := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/continuous?on=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if st := ctrl.Status(); !st.ContinuousRunning {
		t.Fatal("continuous not running after start request")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/continuous?on=false", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if st := ctrl.Status(); st.ContinuousRunning {
		t.Error("continuous still running after stop request")
	}
}

func TestBusyRejectionMapsToConflict(t *testing.T) {
	h, ctrl := newTestHandler(t)

	if _, err := ctrl.StartContinuous(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cruise", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("cruise during continuous = %d, want 409: %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/snapshot", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("snapshot during continuous = %d, want 409: %s", rec.Code, rec.Body)
	}
}

func TestSnapshotReturnsPath(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/snapshot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["path"] == "" {
		t.Error("snapshot response missing path")
	}
}

func TestBadOnParameter(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/continuous?on=maybe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
