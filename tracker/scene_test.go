package tracker

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/viam-modules/grid-tracking/targets"
)

func TestScene(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()
	cfg.ReuseLastHomography = true
	e, mock, _ := newTestEngine(t, cfg)

	e.Process(ctx, frame(marker(7, 500, 500)))
	set, err := targets.Parse([]byte(`{"a": {"tag_number": 7, "target_section": 5}, "b": {"tag_number": 8, "target_section": null}}`))
	test.That(t, err, test.ShouldBeNil)

	scene := Scene(e.Snapshot(), set)
	test.That(t, scene.Rectifier, test.ShouldNotBeNil)
	test.That(t, scene.Targets, test.ShouldResemble, []int{5})
	test.That(t, len(scene.Markers), test.ShouldEqual, 5)
	test.That(t, scene.Markers[4].ID, test.ShouldEqual, 7)
	test.That(t, scene.Markers[4].Cell, test.ShouldEqual, 5)
	test.That(t, scene.Status[0].Text, test.ShouldEqual, "Reference 1: DETECTED")
	test.That(t, scene.Status[4].Text, test.ShouldEqual, "Grid: active")

	mock.Add(2 * time.Second)
	e.Process(ctx, []Observation{marker(7, 500, 500)})
	scene = Scene(e.Snapshot(), nil)
	test.That(t, scene.Targets, test.ShouldBeNil)
	test.That(t, scene.Status[0].Text, test.ShouldEqual, "Reference 1: MEMORY (2.0s)")
	test.That(t, scene.Status[4].Text, test.ShouldEqual, "Grid: active")

	mock.Add(91 * time.Second)
	e.Process(ctx, []Observation{marker(7, 500, 500)})
	scene = Scene(e.Snapshot(), nil)
	test.That(t, scene.Rectifier, test.ShouldNotBeNil)
	test.That(t, scene.Status[0].Text, test.ShouldEqual, "Reference 1: MISSING")
	test.That(t, scene.Status[4].Text, test.ShouldEqual, "Grid: last known position")
}

func TestClassifications(t *testing.T) {
	ctx := context.Background()
	e, mock, _ := newTestEngine(t, testEngineConfig())

	test.That(t, len(currentClassifications(false, e.Snapshot(), false)), test.ShouldEqual, 0)

	e.Process(ctx, frame(marker(7, 500, 500)))
	s := e.Snapshot()
	set, err := targets.Parse([]byte(`{"a": {"tag_number": 7, "target_section": 5}}`))
	test.That(t, err, test.ShouldBeNil)
	cls := currentClassifications(true, s, set.Satisfied(s.Assignments))
	test.That(t, len(cls), test.ShouldEqual, 2)
	test.That(t, cls[0].Label(), test.ShouldEqual, CellChangedLabel)
	test.That(t, cls[1].Label(), test.ShouldEqual, TargetsSatisfiedLabel)
	test.That(t, len(firstN(cls, 1)), test.ShouldEqual, 1)
	test.That(t, len(firstN(cls, 0)), test.ShouldEqual, 2)

	dets := getAssignedDetections(s)
	test.That(t, len(dets), test.ShouldEqual, 1)
	id, cell, err := ParseMarkerLabel(dets[0].Label())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, id, test.ShouldEqual, 7)
	test.That(t, cell, test.ShouldEqual, 5)

	mock.Add(100 * time.Second)
	e.Process(ctx, []Observation{marker(7, 500, 500)})
	cls = currentClassifications(false, e.Snapshot(), false)
	test.That(t, len(cls), test.ShouldEqual, 1)
	test.That(t, cls[0].Label(), test.ShouldEqual, SurfaceLostLabel)
}
