package classifier

import (
	"fmt"
	"image"
	"os"

	"gocv.io/x/gocv"
)

// Detector scores one image for the presence of a person. The confidence is
// in [0,1]; the caller compares it against the configured threshold.
type Detector interface {
	Detect(imagePath string) (confidence float64, err error)
	Close() error
}

// cocoPersonClassID is the "person" class in the COCO label set the
// SSD-MobileNet model was trained on.
const cocoPersonClassID = 1

// DNNDetector runs an SSD-MobileNet network through OpenCV's DNN module and
// reports the highest person confidence in the image.
type DNNDetector struct {
	net gocv.Net
}

// NewDNNDetector loads the frozen model and its graph config.
func NewDNNDetector(modelPath, configPath string) (*DNNDetector, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("model config file: %w", err)
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		return nil, fmt.Errorf("set dnn backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		return nil, fmt.Errorf("set dnn target: %w", err)
	}
	return &DNNDetector{net: net}, nil
}

// Detect returns the maximum person confidence found in the image, or 0 when
// no person was detected at all.
func (d *DNNDetector) Detect(imagePath string) (float64, error) {
	mat := gocv.IMRead(imagePath, gocv.IMReadColor)
	if mat.Empty() {
		return 0, fmt.Errorf("unreadable image: %s", imagePath)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(300, 300), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	// Detections come back as rows of [batch, classID, confidence, x1, y1, x2, y2].
	reshaped := output.Reshape(1, output.Total()/7)
	defer reshaped.Close()

	var best float64
	for i := 0; i < reshaped.Rows(); i++ {
		if int(reshaped.GetFloatAt(i, 1)) != cocoPersonClassID {
			continue
		}
		if conf := float64(reshaped.GetFloatAt(i, 2)); conf > best {
			best = conf
		}
	}
	return best, nil
}

// Close releases the network.
func (d *DNNDetector) Close() error {
	return d.net.Close()
}
