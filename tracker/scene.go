package tracker

import (
	"fmt"

	"github.com/viam-modules/grid-tracking/overlay"
	"github.com/viam-modules/grid-tracking/targets"
)

// Scene describes a snapshot for the overlay renderer. targetSet may be nil.
func Scene(s Snapshot, targetSet targets.Set) overlay.Scene {
	scene := overlay.Scene{
		Grid:      s.Grid,
		Rectifier: s.Rectifier,
		Targets:   targetSet.Sections(),
	}
	for _, e := range s.Corners {
		scene.Markers = append(scene.Markers, overlay.Marker{ID: e.ID, Corners: e.Corners, Reference: true})
	}
	for _, e := range s.Objects {
		scene.Markers = append(scene.Markers, overlay.Marker{ID: e.ID, Corners: e.Corners, Cell: s.Assignments[e.ID]})
	}

	for _, r := range s.References {
		var st overlay.Status
		switch r.State {
		case ReferenceDetected:
			st = overlay.Status{Text: fmt.Sprintf("Reference %d: DETECTED", r.ID), OK: true}
		case ReferenceRemembered:
			st = overlay.Status{Text: fmt.Sprintf("Reference %d: MEMORY (%.1fs)", r.ID, r.Age.Seconds()), OK: true}
		default:
			st = overlay.Status{Text: fmt.Sprintf("Reference %d: MISSING", r.ID)}
		}
		scene.Status = append(scene.Status, st)
	}
	switch {
	case s.Rectified:
		scene.Status = append(scene.Status, overlay.Status{Text: "Grid: active", OK: true})
	case s.Reused:
		scene.Status = append(scene.Status, overlay.Status{Text: "Grid: last known position"})
	default:
		scene.Status = append(scene.Status, overlay.Status{Text: "Grid: waiting for reference markers"})
	}
	return scene
}
