// Package tracker implements the grid tracker as a Viam vision service.
// This file contains the classifications reported by the service.
package tracker

import (
	"go.viam.com/rdk/vision/classification"
)

// Classification labels.
const (
	CellChangedLabel      = "cell-changed"
	SurfaceLostLabel      = "surface-lost"
	TargetsSatisfiedLabel = "targets-satisfied"
)

// currentClassifications reports the edge triggered cell change (while the cool
// down runs) and the steady state of the surface and the targets.
func currentClassifications(changed bool, s Snapshot, satisfied bool) classification.Classifications {
	out := []classification.Classification{}
	if changed {
		out = append(out, classification.NewClassification(1, CellChangedLabel))
	}
	if !s.Rectified && !s.At.IsZero() {
		out = append(out, classification.NewClassification(1, SurfaceLostLabel))
	}
	if satisfied {
		out = append(out, classification.NewClassification(1, TargetsSatisfiedLabel))
	}
	return out
}

// firstN trims the classifications to at most n; n <= 0 keeps them all.
func firstN(c classification.Classifications, n int) classification.Classifications {
	if n > 0 && len(c) > n {
		return c[:n]
	}
	return c
}
