//go:build withcv
// +build withcv

package aruco

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"github.com/viam-modules/grid-tracking/tracker"
)

// Camera reads frames from a local capture device and detects markers on them.
type Camera struct {
	capture  *gocv.VideoCapture
	detector *Detector
	frame    gocv.Mat
}

// OpenCamera opens a capture device, usually an index such as 0.
func OpenCamera(device interface{}, detector *Detector) (*Camera, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open camera %v", device)
	}
	return &Camera{capture: capture, detector: detector, frame: gocv.NewMat()}, nil
}

// Next implements tracker.ObservationSource. A failed read stops the loop.
func (c *Camera) Next(ctx context.Context) (tracker.Frame, error) {
	if ok := c.capture.Read(&c.frame); !ok || c.frame.Empty() {
		return tracker.Frame{}, errors.New("failed to grab frame")
	}
	img, err := c.frame.ToImage()
	if err != nil {
		return tracker.Frame{}, errors.Wrapf(tracker.ErrDetectionFailed, "unable to convert frame: %v", err)
	}
	return tracker.Frame{Image: img, Observations: c.detector.DetectMat(c.frame)}, nil
}

// Close releases the capture device.
func (c *Camera) Close() error {
	return multierr.Combine(c.frame.Close(), c.capture.Close())
}
