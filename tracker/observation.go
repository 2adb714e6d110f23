package tracker

import (
	"context"
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/viam-modules/grid-tracking/geometry"
)

// ErrDetectionFailed marks a frame that was read but could not be searched for
// markers. The loop skips such frames instead of stopping.
var ErrDetectionFailed = errors.New("marker detection failed")

// Observation is one marker found in the current frame. Corners follow the
// detector's order (top-left, top-right, bottom-right, bottom-left of the tag).
type Observation struct {
	ID      int
	Corners [4]r2.Point
}

// Centroid returns the mean of the marker's corners.
func (o Observation) Centroid() r2.Point {
	return geometry.Centroid(o.Corners[:]...)
}

// MarkerDetector finds fiducial markers in an image.
type MarkerDetector interface {
	Detect(ctx context.Context, img image.Image) ([]Observation, error)
}

// Frame is one unit of work for the tracking loop. Image may be nil for sources
// that replay recorded observations.
type Frame struct {
	Image        image.Image
	Observations []Observation
}

// ObservationSource produces frames. An error wrapping ErrDetectionFailed is
// transient, io.EOF ends the loop cleanly, anything else stops it.
type ObservationSource interface {
	Next(ctx context.Context) (Frame, error)
}

// cornersFromRect lists a rectangle's corners in detector order.
func cornersFromRect(r image.Rectangle) [4]r2.Point {
	return [4]r2.Point{
		{X: float64(r.Min.X), Y: float64(r.Min.Y)},
		{X: float64(r.Max.X), Y: float64(r.Min.Y)},
		{X: float64(r.Max.X), Y: float64(r.Max.Y)},
		{X: float64(r.Min.X), Y: float64(r.Max.Y)},
	}
}

// rectFromCorners returns the smallest integer rectangle containing the corners.
func rectFromCorners(c [4]r2.Point) image.Rectangle {
	box := r2.RectFromPoints(c[:]...)
	return image.Rect(int(box.X.Lo), int(box.Y.Lo), int(box.X.Hi+0.5), int(box.Y.Hi+0.5))
}
