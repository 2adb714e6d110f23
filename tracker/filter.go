// Package tracker implements the grid tracker as a Viam vision service.
// This file contains methods that are useful for filtering out detections.
package tracker

import (
	objdet "go.viam.com/rdk/vision/objectdetection"
)

// NewAdvancedFilter returns a Detections->Detections filtering method to remove
// detections that do not have a class name in chosenLabels and/or do not have the
// associated minimum confidence. An empty input map will return all detections.
// Input chosenLabels is the map with <"class_name": confidence> key-value pairs.
// Bare ids ("17") have no class name and are kept unless chosenLabels has an
// entry for the empty class name, whose confidence then applies.
func NewAdvancedFilter(chosenLabels map[string]float64) objdet.Postprocessor {
	return func(detections []objdet.Detection) []objdet.Detection {
		if len(chosenLabels) < 1 {
			return detections
		}
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			class := baseLabel(d.Label())
			minConf, ok := chosenLabels[class]
			if !ok && class == "" {
				out = append(out, d)
				continue
			}
			if ok && d.Score() > minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewMarkerFilter drops detections whose label carries no marker id.
func NewMarkerFilter() objdet.Postprocessor {
	return func(detections []objdet.Detection) []objdet.Detection {
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			if _, ok := MarkerIDFromLabel(d.Label()); ok && d.BoundingBox() != nil {
				out = append(out, d)
			}
		}
		return out
	}
}

// FilterDetections keeps the marker detections that pass both the per-class and
// the global confidence thresholds.
func FilterDetections(chosenLabels map[string]float64, dets []objdet.Detection, conf float64) []objdet.Detection {
	firstPass := NewAdvancedFilter(chosenLabels)(dets)
	secondPass := objdet.NewScoreFilter(conf)(firstPass)
	return NewMarkerFilter()(secondPass)
}
