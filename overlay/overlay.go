// Package overlay draws the tracker's view of the surface onto a camera frame:
// marker outlines, the grid projected back into the image, target cells and
// the reference marker status.
package overlay

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"

	"github.com/viam-modules/grid-tracking/geometry"
)

// Marker is a tracked marker to outline. Cell is 0 when it is not mapped.
type Marker struct {
	ID        int
	Corners   [4]r2.Point
	Cell      int
	Reference bool
}

// Status is one line of the reference marker status block.
type Status struct {
	Text string
	OK   bool
}

// Scene is everything drawn on top of a frame. A nil Rectifier skips the grid
// and the target cells.
type Scene struct {
	Grid      geometry.Grid
	Rectifier *geometry.Homography
	Markers   []Marker
	Targets   []int
	Status    []Status
}

const (
	lineWidth  = 2
	lineHeight = 16
)

// Render returns a copy of img with the scene drawn on it. The result has the
// same bounds as img.
func Render(img image.Image, s Scene) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(lineWidth)

	if s.Rectifier != nil {
		drawTargets(dc, s)
		drawGrid(dc, s)
	}
	for _, m := range s.Markers {
		drawMarker(dc, m)
	}
	drawStatus(dc, s.Status)

	return dc.Image()
}

func drawGrid(dc *gg.Context, s Scene) {
	dc.SetRGB(0, 1, 0)
	size := s.Grid.Size
	for c := 0; c <= s.Grid.Columns; c++ {
		x := size * float64(c) / float64(s.Grid.Columns)
		line(dc, s.Rectifier, r2.Point{X: x, Y: 0}, r2.Point{X: x, Y: size})
	}
	for r := 0; r <= s.Grid.Rows; r++ {
		y := size * float64(r) / float64(s.Grid.Rows)
		line(dc, s.Rectifier, r2.Point{X: 0, Y: y}, r2.Point{X: size, Y: y})
	}
	dc.Stroke()

	// cell numbers at the projected cell centers
	for k := 1; k <= s.Grid.Cells(); k++ {
		b, err := s.Grid.Bounds(k)
		if err != nil {
			continue
		}
		p, err := s.Rectifier.Unproject(b.Center())
		if err != nil {
			continue
		}
		dc.DrawStringAnchored(fmt.Sprint(k), p.X, p.Y, 0.5, 0.5)
	}
}

// line draws a segment given in rectified space. Lines stay lines under a
// homography, so projecting the end points is enough.
func line(dc *gg.Context, h *geometry.Homography, a, b r2.Point) {
	pa, err := h.Unproject(a)
	if err != nil {
		return
	}
	pb, err := h.Unproject(b)
	if err != nil {
		return
	}
	dc.MoveTo(pa.X, pa.Y)
	dc.LineTo(pb.X, pb.Y)
}

func drawTargets(dc *gg.Context, s Scene) {
	dc.SetRGBA(1, 0.8, 0, 0.35)
	for _, k := range s.Targets {
		b, err := s.Grid.Bounds(k)
		if err != nil {
			continue
		}
		ok := true
		for i, v := range b.Vertices() {
			p, err := s.Rectifier.Unproject(v)
			if err != nil {
				ok = false
				break
			}
			if i == 0 {
				dc.MoveTo(p.X, p.Y)
			} else {
				dc.LineTo(p.X, p.Y)
			}
		}
		if ok {
			dc.ClosePath()
			dc.Fill()
		} else {
			dc.ClearPath()
		}
	}
}

func drawMarker(dc *gg.Context, m Marker) {
	if m.Reference {
		dc.SetRGB(0, 0.6, 1)
	} else {
		dc.SetRGB(1, 0, 0)
	}
	for i, c := range m.Corners {
		if i == 0 {
			dc.MoveTo(c.X, c.Y)
		} else {
			dc.LineTo(c.X, c.Y)
		}
	}
	dc.ClosePath()
	dc.Stroke()

	label := fmt.Sprintf("ID:%d", m.ID)
	if m.Cell > 0 {
		label = fmt.Sprintf("ID:%d Grid:%d", m.ID, m.Cell)
	}
	top := m.Corners[0]
	for _, c := range m.Corners[1:] {
		if c.Y < top.Y {
			top = c
		}
	}
	dc.DrawString(label, top.X, top.Y-4)
}

func drawStatus(dc *gg.Context, lines []Status) {
	for i, l := range lines {
		if l.OK {
			dc.SetRGB(0, 1, 0)
		} else {
			dc.SetRGB(1, 0, 0)
		}
		dc.DrawString(l.Text, 10, float64(lineHeight*(i+1)))
	}
}
