package tracker

import (
	objdet "go.viam.com/rdk/vision/objectdetection"
)

// getAssignedDetections turns the snapshot's mapped markers into detections
// labeled with their cell. Markers without a cell, or no longer in memory, are
// left out.
func getAssignedDetections(s Snapshot) []objdet.Detection {
	dets := make([]objdet.Detection, 0, len(s.Objects))
	for _, entry := range s.Objects {
		cell, ok := s.Assignments[entry.ID]
		if !ok {
			continue
		}
		dets = append(dets, objdet.NewDetection(rectFromCorners(entry.Corners), 1, markerLabel(entry.ID, cell)))
	}
	return dets
}
