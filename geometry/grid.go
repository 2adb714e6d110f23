// Package geometry implements the planar math behind the grid tracker:
// corner resolution, the camera-to-grid homography and cell bucketing.
// This file contains the grid mapper.
package geometry

import (
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// DefaultGridSize is the side length of the normalized rectified square.
// Only ratios matter for bucketing.
const DefaultGridSize = 900.0

// Grid divides the normalized square [0,Size]x[0,Size] into Columns x Rows cells
// numbered row-major from 1 (top-left) to Columns*Rows (bottom-right).
type Grid struct {
	Columns int
	Rows    int
	Size    float64
}

// Validate checks that the grid can be used for bucketing.
func (g Grid) Validate() error {
	if g.Columns < 1 || g.Rows < 1 {
		return errors.Errorf("grid must have at least one column and one row, got %dx%d", g.Columns, g.Rows)
	}
	if g.Size <= 0 || math.IsNaN(g.Size) || math.IsInf(g.Size, 0) {
		return errors.Errorf("grid size must be a positive number, got %v", g.Size)
	}
	return nil
}

// Cells returns the number of cells in the grid.
func (g Grid) Cells() int {
	return g.Columns * g.Rows
}

// Cell returns the 1-indexed cell containing p. Points outside the square are
// clamped into the nearest edge cell. A point on a divider belongs to the cell
// to its right (or below it).
func (g Grid) Cell(p r2.Point) int {
	sectionWidth := g.Size / float64(g.Columns)
	sectionHeight := g.Size / float64(g.Rows)
	col := clamp(int(math.Floor(p.X/sectionWidth)), 0, g.Columns-1)
	row := clamp(int(math.Floor(p.Y/sectionHeight)), 0, g.Rows-1)
	return row*g.Columns + col + 1
}

// Bounds returns the rectangle covered by the given cell in normalized space.
func (g Grid) Bounds(cell int) (r2.Rect, error) {
	if cell < 1 || cell > g.Cells() {
		return r2.EmptyRect(), errors.Errorf("cell %d outside grid of %d cells", cell, g.Cells())
	}
	sectionWidth := g.Size / float64(g.Columns)
	sectionHeight := g.Size / float64(g.Rows)
	col := (cell - 1) % g.Columns
	row := (cell - 1) / g.Columns
	return r2.Rect{
		X: r1.Interval{Lo: float64(col) * sectionWidth, Hi: float64(col+1) * sectionWidth},
		Y: r1.Interval{Lo: float64(row) * sectionHeight, Hi: float64(row+1) * sectionHeight},
	}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
