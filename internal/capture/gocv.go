package capture

import (
	"context"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// CameraSource reads frames from a local camera through OpenCV. Capture and
// Still share one device handle; Still bumps the requested resolution for a
// single exposure and restores the preview size afterwards, which is the
// closest a V4L2 device gets to the reconfigure-shoot-resume dance the
// capture host needs for snapshots.
type CameraSource struct {
	mu   sync.Mutex
	cam  *gocv.VideoCapture
	mat  gocv.Mat
	open bool

	previewW, previewH float64
	stillW, stillH     float64
}

// NewCameraSource opens capture device id. Preview runs at 640x360; stills at
// 2304x1296 (the sensor's full-FOV binned mode).
func NewCameraSource(device int) (*CameraSource, error) {
	cam, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", device, err)
	}

	s := &CameraSource{
		cam:      cam,
		mat:      gocv.NewMat(),
		open:     true,
		previewW: 640, previewH: 360,
		stillW: 2304, stillH: 1296,
	}
	cam.Set(gocv.VideoCaptureFrameWidth, s.previewW)
	cam.Set(gocv.VideoCaptureFrameHeight, s.previewH)
	return s, nil
}

// Capture grabs the most recent preview frame as JPEG bytes.
func (s *CameraSource) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrSourceClosed
	}
	return s.readJPEG()
}

// Still captures one high-resolution frame, then restores the preview size.
func (s *CameraSource) Still(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrSourceClosed
	}

	s.cam.Set(gocv.VideoCaptureFrameWidth, s.stillW)
	s.cam.Set(gocv.VideoCaptureFrameHeight, s.stillH)
	defer func() {
		s.cam.Set(gocv.VideoCaptureFrameWidth, s.previewW)
		s.cam.Set(gocv.VideoCaptureFrameHeight, s.previewH)
	}()

	// First read after a mode switch can return the stale preview-sized
	// buffer; grab twice and keep the second.
	if ok := s.cam.Read(&s.mat); !ok {
		return nil, fmt.Errorf("camera read failed")
	}
	return s.readJPEG()
}

func (s *CameraSource) readJPEG() ([]byte, error) {
	if ok := s.cam.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, fmt.Errorf("camera read failed")
	}
	buf, err := gocv.IMEncode(".jpg", s.mat)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	payload := make([]byte, len(buf.GetBytes()))
	copy(payload, buf.GetBytes())
	return payload, nil
}

// Close releases the device. Further Capture/Still calls return
// ErrSourceClosed.
func (s *CameraSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.mat.Close()
	return s.cam.Close()
}
