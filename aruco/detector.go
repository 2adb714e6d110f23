//go:build withcv
// +build withcv

package aruco

import (
	"context"
	"image"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/viam-modules/grid-tracking/tracker"
)

var dictionaries = map[string]gocv.ArucoDictionaryCode{
	"DICT_4X4_50":         gocv.ArucoDict4x4_50,
	"DICT_4X4_100":        gocv.ArucoDict4x4_100,
	"DICT_4X4_250":        gocv.ArucoDict4x4_250,
	"DICT_4X4_1000":       gocv.ArucoDict4x4_1000,
	"DICT_5X5_50":         gocv.ArucoDict5x5_50,
	"DICT_5X5_100":        gocv.ArucoDict5x5_100,
	"DICT_5X5_250":        gocv.ArucoDict5x5_250,
	"DICT_5X5_1000":       gocv.ArucoDict5x5_1000,
	"DICT_6X6_50":         gocv.ArucoDict6x6_50,
	"DICT_6X6_100":        gocv.ArucoDict6x6_100,
	"DICT_6X6_250":        gocv.ArucoDict6x6_250,
	"DICT_6X6_1000":       gocv.ArucoDict6x6_1000,
	"DICT_7X7_50":         gocv.ArucoDict7x7_50,
	"DICT_7X7_100":        gocv.ArucoDict7x7_100,
	"DICT_7X7_250":        gocv.ArucoDict7x7_250,
	"DICT_7X7_1000":       gocv.ArucoDict7x7_1000,
	"DICT_ARUCO_ORIGINAL": gocv.ArucoDictArucoOriginal,
}

// Detector finds markers of one dictionary. It is safe for concurrent use.
type Detector struct {
	mu       sync.Mutex
	detector gocv.ArucoDetector
}

// NewDetector returns a detector for the named predefined dictionary, tuned
// like the installation's original detector.
func NewDetector(dictionary string) (*Detector, error) {
	if dictionary == "" {
		dictionary = DefaultDictionary
	}
	code, ok := dictionaries[dictionary]
	if !ok {
		return nil, errors.Errorf("unknown aruco dictionary %q", dictionary)
	}
	params := gocv.NewArucoDetectorParameters()
	params.SetAdaptiveThreshWinSizeMin(3)
	params.SetAdaptiveThreshWinSizeMax(23)
	params.SetAdaptiveThreshWinSizeStep(10)
	params.SetAdaptiveThreshConstant(7)
	params.SetMinMarkerPerimeterRate(0.03)
	params.SetMaxMarkerPerimeterRate(4.0)
	params.SetPolygonalApproxAccuracyRate(0.03)
	params.SetMaxErroneousBitsInBorderRate(0.35)
	// more tolerant than the OpenCV default of 0.6
	params.SetErrorCorrectionRate(0.5)

	return &Detector{
		detector: gocv.NewArucoDetectorWithParams(gocv.GetPredefinedDictionary(code), params),
	}, nil
}

// Detect implements tracker.MarkerDetector.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]tracker.Observation, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert image")
	}
	defer mat.Close()
	return d.DetectMat(mat), nil
}

// DetectMat finds the markers in a BGR or gray frame.
func (d *Detector) DetectMat(mat gocv.Mat) []tracker.Observation {
	d.mu.Lock()
	corners, ids, _ := d.detector.DetectMarkers(mat)
	d.mu.Unlock()

	out := make([]tracker.Observation, 0, len(ids))
	for i, id := range ids {
		if i >= len(corners) || len(corners[i]) != 4 {
			continue
		}
		var o tracker.Observation
		o.ID = id
		for j, c := range corners[i] {
			o.Corners[j] = r2.Point{X: float64(c.X), Y: float64(c.Y)}
		}
		out = append(out, o)
	}
	return out
}

// Close releases the detector.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detector.Close()
}
