//go:build withcv
// +build withcv

package aruco

import (
	"context"
	"image"
	"testing"

	"go.viam.com/test"
)

func TestNewDetector(t *testing.T) {
	_, err := NewDetector("DICT_3X3_1")
	test.That(t, err, test.ShouldNotBeNil)

	d, err := NewDetector("")
	test.That(t, err, test.ShouldBeNil)
	defer d.Close()

	obs, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(obs), test.ShouldEqual, 0)
}
