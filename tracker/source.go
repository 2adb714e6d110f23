// Package tracker implements the grid tracker as a Viam vision service.
// This file contains the observation sources fed to the tracking loop.
package tracker

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"io"
	"os"

	"github.com/golang/geo/r2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/services/vision"
)

// visionDetector reads markers from a Viam vision service whose detection labels
// carry the marker id. Corners are the detection's bounding box corners.
type visionDetector struct {
	detector      vision.Service
	chosenLabels  map[string]float64
	minConfidence float64
}

// NewVisionDetector adapts a vision service into a MarkerDetector.
func NewVisionDetector(detector vision.Service, chosenLabels map[string]float64, minConfidence float64) MarkerDetector {
	return &visionDetector{detector: detector, chosenLabels: chosenLabels, minConfidence: minConfidence}
}

func (d *visionDetector) Detect(ctx context.Context, img image.Image) ([]Observation, error) {
	detections, err := d.detector.Detections(ctx, img, nil)
	if err != nil {
		return nil, err
	}
	filtered := FilterDetections(d.chosenLabels, detections, d.minConfidence)
	out := make([]Observation, 0, len(filtered))
	for _, det := range filtered {
		id, _ := MarkerIDFromLabel(det.Label())
		out = append(out, Observation{ID: id, Corners: cornersFromRect(*det.BoundingBox())})
	}
	return out, nil
}

// cameraSource reads frames from a camera stream and runs a detector on them.
type cameraSource struct {
	stream   gostream.VideoStream
	detector MarkerDetector
}

// NewCameraSource returns a source reading from stream.
func NewCameraSource(stream gostream.VideoStream, detector MarkerDetector) ObservationSource {
	return &cameraSource{stream: stream, detector: detector}
}

func (s *cameraSource) Next(ctx context.Context) (Frame, error) {
	img, release, err := s.stream.Next(ctx)
	if err != nil {
		return Frame{}, errors.Wrap(err, "can't get image")
	}
	if release != nil {
		defer release()
	}
	if img == nil {
		return Frame{}, errors.Wrap(ErrDetectionFailed, "got nil image")
	}
	obs, err := s.detector.Detect(ctx, img)
	if err != nil {
		return Frame{Image: img}, errors.Wrapf(ErrDetectionFailed, "can't get detections: %v", err)
	}
	return Frame{Image: img, Observations: obs}, nil
}

// RecordedObservation is one marker in a recorded frame.
type RecordedObservation struct {
	ID      int           `json:"id"`
	Corners [4][2]float64 `json:"corners"`
}

// RecordedFrame is one line of a recording: the markers seen in a frame and,
// optionally, the offset in seconds from the start of the recording.
type RecordedFrame struct {
	Offset  float64               `json:"t"`
	Markers []RecordedObservation `json:"markers"`
}

// Observations converts the recorded markers.
func (f RecordedFrame) Observations() []Observation {
	out := make([]Observation, 0, len(f.Markers))
	for _, m := range f.Markers {
		var o Observation
		o.ID = m.ID
		for i, c := range m.Corners {
			o.Corners[i] = r2.Point{X: c[0], Y: c[1]}
		}
		out = append(out, o)
	}
	return out
}

// ReplaySource reads frames from a JSON lines recording. Blank lines are skipped.
type ReplaySource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	onFrame func(RecordedFrame)
	line    int
}

// NewReplaySource reads a recording from r. onFrame, if set, is called with
// every frame before it is returned, which lets callers drive a mock clock.
func NewReplaySource(r io.Reader, onFrame func(RecordedFrame)) *ReplaySource {
	src := &ReplaySource{
		scanner: bufio.NewScanner(r),
		onFrame: onFrame,
	}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src
}

// OpenReplaySource opens a recording file.
func OpenReplaySource(path string, onFrame func(RecordedFrame)) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open recording %s", path)
	}
	return NewReplaySource(f, onFrame), nil
}

// Next implements ObservationSource. It returns io.EOF at the end of the recording.
func (s *ReplaySource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	var line []byte
	for len(line) == 0 {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Frame{}, errors.Wrap(err, "unable to read recording")
			}
			return Frame{}, io.EOF
		}
		s.line++
		line = bytes.TrimSpace(s.scanner.Bytes())
	}
	var rf RecordedFrame
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(line, &rf); err != nil {
		return Frame{}, errors.Wrapf(err, "unable to decode recorded frame on line %d", s.line)
	}
	if s.onFrame != nil {
		s.onFrame(rf)
	}
	return Frame{Observations: rf.Observations()}, nil
}

// Close closes the underlying file, if any.
func (s *ReplaySource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
