package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerate is returned when four correspondences do not define a usable
// perspective transform (collinear, folded or coincident corners).
var ErrDegenerate = errors.New("degenerate homography")

const (
	maxCondition = 1e10
	minSine      = 1e-6
	minDenom     = 1e-12
)

// Homography is a planar perspective transform and its inverse. Each direction
// keeps the sign of the homogeneous scale at the quad corners; points with the
// opposite sign lie beyond the vanishing line and are rejected.
type Homography struct {
	forward    *mat.Dense
	inverse    *mat.Dense
	forwardDir float64
	inverseDir float64
}

// NewHomography solves the 8 degree-of-freedom transform mapping src[i] to dst[i].
// Points are given in TopLeft, TopRight, BottomLeft, BottomRight order, and both
// quads must be convex.
func NewHomography(src, dst [4]r2.Point) (*Homography, error) {
	if err := checkConvex(src); err != nil {
		return nil, errors.Wrap(err, "source corners")
	}
	if err := checkConvex(dst); err != nil {
		return nil, errors.Wrap(err, "destination corners")
	}
	srcN, tSrc, err := normalizePoints(src)
	if err != nil {
		return nil, err
	}
	dstN, tDst, err := normalizePoints(dst)
	if err != nil {
		return nil, err
	}

	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		X, Y := srcN[i].X, srcN[i].Y
		x, y := dstN[i].X, dstN[i].Y
		r := 2 * i
		// x = (h00 X + h01 Y + h02) / (h20 X + h21 Y + 1)
		a.SetRow(r, []float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x})
		b.SetVec(r, x)
		// y = (h10 X + h11 Y + h12) / (h20 X + h21 Y + 1)
		a.SetRow(r+1, []float64{0, 0, 0, X, Y, 1, -X * y, -Y * y})
		b.SetVec(r+1, y)
	}

	var lu mat.LU
	lu.Factorize(a)
	if c := lu.Cond(); math.IsNaN(c) || c > maxCondition {
		return nil, errors.Wrapf(ErrDegenerate, "condition number %.3g", c)
	}
	var h mat.VecDense
	if err := lu.SolveVecTo(&h, false, b); err != nil {
		return nil, errors.Wrapf(ErrDegenerate, "solve: %v", err)
	}
	hn := mat.NewDense(3, 3, []float64{
		h.AtVec(0), h.AtVec(1), h.AtVec(2),
		h.AtVec(3), h.AtVec(4), h.AtVec(5),
		h.AtVec(6), h.AtVec(7), 1,
	})

	// Undo the normalization: H = inv(tDst) * Hn * tSrc.
	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return nil, errors.Wrapf(ErrDegenerate, "normalization: %v", err)
	}
	forward := mat.NewDense(3, 3, nil)
	forward.Product(&tDstInv, hn, tSrc)
	if s := forward.At(2, 2); math.Abs(s) > minDenom {
		forward.Scale(1/s, forward)
	}
	if !finite(forward) {
		return nil, errors.Wrap(ErrDegenerate, "non-finite transform")
	}
	scale := mat.Norm(forward, 2)
	if d := mat.Det(forward); math.Abs(d) < minDenom*scale*scale*scale {
		return nil, errors.Wrapf(ErrDegenerate, "determinant %.3g", d)
	}
	inverse := mat.NewDense(3, 3, nil)
	if err := inverse.Inverse(forward); err != nil {
		return nil, errors.Wrapf(ErrDegenerate, "inverse: %v", err)
	}
	forwardDir, err := side(forward, src)
	if err != nil {
		return nil, err
	}
	inverseDir, err := side(inverse, dst)
	if err != nil {
		return nil, err
	}
	return &Homography{forward: forward, inverse: inverse, forwardDir: forwardDir, inverseDir: inverseDir}, nil
}

// NewRectifier maps the resolved surface corners onto the square
// (0,0), (size,0), (0,size), (size,size).
func NewRectifier(q Quad, size float64) (*Homography, error) {
	if size <= 0 {
		return nil, errors.Errorf("rectified size must be positive, got %v", size)
	}
	dst := [4]r2.Point{
		TopLeft:     {X: 0, Y: 0},
		TopRight:    {X: size, Y: 0},
		BottomLeft:  {X: 0, Y: size},
		BottomRight: {X: size, Y: size},
	}
	return NewHomography(q.Points, dst)
}

// Project maps a camera-space point into the target plane.
func (h *Homography) Project(p r2.Point) (r2.Point, error) {
	return apply(h.forward, h.forwardDir, p)
}

// Unproject maps a target-plane point back into camera space.
func (h *Homography) Unproject(p r2.Point) (r2.Point, error) {
	return apply(h.inverse, h.inverseDir, p)
}

// Matrix returns the forward transform in row-major order.
func (h *Homography) Matrix() [9]float64 {
	var out [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = h.forward.At(r, c)
		}
	}
	return out
}

func homogeneous(m *mat.Dense, p r2.Point) float64 {
	return m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)
}

// side returns the sign of the homogeneous scale shared by the quad corners.
func side(m *mat.Dense, q [4]r2.Point) (float64, error) {
	dir := 0.0
	for _, p := range q {
		w := homogeneous(m, p)
		if math.Abs(w) < minDenom {
			return 0, errors.Wrap(ErrDegenerate, "corner maps to infinity")
		}
		if dir == 0 {
			dir = math.Copysign(1, w)
		} else if math.Copysign(1, w) != dir {
			return 0, errors.Wrap(ErrDegenerate, "corners straddle the vanishing line")
		}
	}
	return dir, nil
}

func apply(m *mat.Dense, dir float64, p r2.Point) (r2.Point, error) {
	x := m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)
	y := m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)
	w := homogeneous(m, p)
	if math.Abs(w) < minDenom {
		return r2.Point{}, errors.Wrap(ErrDegenerate, "point maps to infinity")
	}
	if w*dir < 0 {
		return r2.Point{}, errors.Wrap(ErrDegenerate, "point lies beyond the vanishing line")
	}
	out := r2.Point{X: x / w, Y: y / w}
	if math.IsNaN(out.X) || math.IsNaN(out.Y) || math.IsInf(out.X, 0) || math.IsInf(out.Y, 0) {
		return r2.Point{}, errors.Wrap(ErrDegenerate, "non-finite projection")
	}
	return out, nil
}

// normalizePoints translates the points to their centroid and scales them to a
// mean distance of sqrt(2), returning the similarity transform applied.
func normalizePoints(pts [4]r2.Point) ([4]r2.Point, *mat.Dense, error) {
	c := Centroid(pts[:]...)
	var mean float64
	for _, p := range pts {
		mean += p.Sub(c).Norm()
	}
	mean /= 4
	if mean < minDenom || math.IsNaN(mean) || math.IsInf(mean, 0) {
		return pts, nil, errors.Wrap(ErrDegenerate, "coincident corners")
	}
	s := math.Sqrt2 / mean
	var out [4]r2.Point
	for i, p := range pts {
		out[i] = p.Sub(c).Mul(s)
	}
	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * c.X,
		0, s, -s * c.Y,
		0, 0, 1,
	})
	return out, t, nil
}

// checkConvex walks the quad as a polygon (TL, TR, BR, BL) and requires every
// turn to have the same, clearly non-zero orientation.
func checkConvex(q [4]r2.Point) error {
	poly := [4]r2.Point{q[TopLeft], q[TopRight], q[BottomRight], q[BottomLeft]}
	sign := 0.0
	for i := range poly {
		e1 := poly[(i+1)%4].Sub(poly[i])
		e2 := poly[(i+2)%4].Sub(poly[(i+1)%4])
		n := e1.Norm() * e2.Norm()
		if n == 0 || math.IsNaN(n) {
			return errors.Wrap(ErrDegenerate, "coincident corners")
		}
		sine := e1.Cross(e2) / n
		if math.Abs(sine) < minSine {
			return errors.Wrap(ErrDegenerate, "collinear corners")
		}
		if sign == 0 {
			sign = math.Copysign(1, sine)
		} else if math.Copysign(1, sine) != sign {
			return errors.Wrap(ErrDegenerate, "corners do not form a convex quadrilateral")
		}
	}
	return nil
}

func finite(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
