package geometry

import (
	"math"
	"sort"

	hg "github.com/charles-haynes/munkres"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Role is the logical position of a reference marker on the surface.
type Role int

// Roles in the order the homography consumes them.
const (
	NoRole Role = iota - 1
	TopLeft
	TopRight
	BottomLeft
	BottomRight
)

// NoMarker is the id recorded for a corner that was inferred rather than observed.
const NoMarker = -1

var (
	// ErrTooFewCorners means fewer reference markers are known than the resolver's quorum.
	ErrTooFewCorners = errors.New("not enough reference markers to resolve corners")
	// ErrTooManyCorners means more than four reference markers were supplied.
	ErrTooManyCorners = errors.New("more than four reference markers supplied")
	// ErrAmbiguousCorners means the markers could not be split into top and bottom pairs.
	ErrAmbiguousCorners = errors.New("ambiguous reference marker layout")
)

func (r Role) String() string {
	switch r {
	case TopLeft:
		return "top_left"
	case TopRight:
		return "top_right"
	case BottomLeft:
		return "bottom_left"
	case BottomRight:
		return "bottom_right"
	default:
		return "none"
	}
}

// opposite returns the diagonally opposite corner.
func (r Role) opposite() Role {
	return BottomRight - r
}

// Quad is a resolved set of surface corners indexed by Role.
type Quad struct {
	IDs      [4]int
	Points   [4]r2.Point
	Inferred Role
}

// Resolver assigns reference marker centroids to the four surface corners.
type Resolver interface {
	Resolve(points map[int]r2.Point) (Quad, error)
}

type candidate struct {
	id int
	p  r2.Point
}

func sortedCandidates(points map[int]r2.Point) []candidate {
	out := make([]candidate, 0, len(points))
	for id, p := range points {
		out = append(out, candidate{id, p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func byX(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].p.X != cs[j].p.X {
			return cs[i].p.X < cs[j].p.X
		}
		return cs[i].id < cs[j].id
	})
}

func checkQuorum(n, minMarkers int) error {
	if minMarkers < 3 || minMarkers > 4 {
		minMarkers = 4
	}
	if n > 4 {
		return errors.Wrapf(ErrTooManyCorners, "got %d", n)
	}
	if n < minMarkers {
		return errors.Wrapf(ErrTooFewCorners, "got %d, need %d", n, minMarkers)
	}
	return nil
}

// PartitionResolver splits markers into those above and below their common
// centroid and orders each pair by x. It assumes the surface is viewed close
// to fronto-parallel: a rotation that moves a marker across the horizontal
// centroid line makes the layout ambiguous.
//
// With MinMarkers set to 3, three markers are accepted as a 2/1 split and the
// missing corner is completed as a parallelogram.
type PartitionResolver struct {
	MinMarkers int
}

// Resolve implements Resolver.
func (r PartitionResolver) Resolve(points map[int]r2.Point) (Quad, error) {
	if err := checkQuorum(len(points), r.MinMarkers); err != nil {
		return Quad{}, err
	}
	cs := sortedCandidates(points)
	pts := make([]r2.Point, 0, len(cs))
	for _, c := range cs {
		pts = append(pts, c.p)
	}
	center := Centroid(pts...)

	var top, bottom []candidate
	for _, c := range cs {
		if c.p.Y < center.Y {
			top = append(top, c)
		} else {
			bottom = append(bottom, c)
		}
	}
	byX(top)
	byX(bottom)

	q := Quad{Inferred: NoRole}
	switch {
	case len(top) == 2 && len(bottom) == 2:
		q.set(TopLeft, top[0])
		q.set(TopRight, top[1])
		q.set(BottomLeft, bottom[0])
		q.set(BottomRight, bottom[1])
		return q, nil
	case len(cs) == 3 && len(top) == 2 && len(bottom) == 1:
		q.set(TopLeft, top[0])
		q.set(TopRight, top[1])
		if bottom[0].p.X < (top[0].p.X+top[1].p.X)/2 {
			q.set(BottomLeft, bottom[0])
			q.infer(BottomRight)
		} else {
			q.set(BottomRight, bottom[0])
			q.infer(BottomLeft)
		}
		return q, nil
	case len(cs) == 3 && len(top) == 1 && len(bottom) == 2:
		q.set(BottomLeft, bottom[0])
		q.set(BottomRight, bottom[1])
		if top[0].p.X < (bottom[0].p.X+bottom[1].p.X)/2 {
			q.set(TopLeft, top[0])
			q.infer(TopRight)
		} else {
			q.set(TopRight, top[0])
			q.infer(TopLeft)
		}
		return q, nil
	}
	return Quad{}, errors.Wrapf(ErrAmbiguousCorners, "%d above and %d below the centroid", len(top), len(bottom))
}

// AssignmentResolver matches markers to the corners of their bounding box by
// minimizing the total distance (Hungarian method). It tolerates moderate
// in-plane rotation that defeats PartitionResolver, and follows the same
// quorum and inference rules.
type AssignmentResolver struct {
	MinMarkers int
}

// Resolve implements Resolver.
func (r AssignmentResolver) Resolve(points map[int]r2.Point) (Quad, error) {
	if err := checkQuorum(len(points), r.MinMarkers); err != nil {
		return Quad{}, err
	}
	cs := sortedCandidates(points)
	pts := make([]r2.Point, 0, len(cs))
	for _, c := range cs {
		pts = append(pts, c.p)
	}
	box := r2.RectFromPoints(pts...)
	if box.X.Length() <= 0 || box.Y.Length() <= 0 {
		return Quad{}, errors.Wrap(ErrAmbiguousCorners, "reference markers are collinear")
	}
	targets := [4]r2.Point{
		TopLeft:     {X: box.X.Lo, Y: box.Y.Lo},
		TopRight:    {X: box.X.Hi, Y: box.Y.Lo},
		BottomLeft:  {X: box.X.Lo, Y: box.Y.Hi},
		BottomRight: {X: box.X.Hi, Y: box.Y.Hi},
	}
	cost := make([][]float64, len(cs))
	for i, c := range cs {
		row := make([]float64, len(targets))
		for j, t := range targets {
			row[j] = c.p.Sub(t).Norm()
		}
		cost[i] = row
	}
	ha, err := hg.NewHungarianAlgorithm(cost)
	if err != nil {
		return Quad{}, errors.Wrap(err, "unable to build corner assignment")
	}
	matches := ha.Execute()

	q := Quad{Inferred: NoRole}
	var used [4]bool
	// the solver may pad the matrix, so only the real rows are read
	for i := range cs {
		role := -1
		if i < len(matches) {
			role = matches[i]
		}
		if role < 0 || role > int(BottomRight) || used[role] {
			return Quad{}, errors.Wrap(ErrAmbiguousCorners, "no unique corner assignment")
		}
		used[role] = true
		q.set(Role(role), cs[i])
	}
	for role, ok := range used {
		if !ok {
			if q.Inferred != NoRole {
				return Quad{}, errors.Wrap(ErrAmbiguousCorners, "more than one corner unassigned")
			}
			q.infer(Role(role))
		}
	}
	return q, nil
}

func (q *Quad) set(role Role, c candidate) {
	q.IDs[role] = c.id
	q.Points[role] = c.p
}

// infer completes the parallelogram: the missing corner is the sum of its two
// neighbours minus the opposite corner.
func (q *Quad) infer(role Role) {
	opp := role.opposite()
	var sum r2.Point
	for r := TopLeft; r <= BottomRight; r++ {
		if r != role {
			sum = sum.Add(q.Points[r])
		}
	}
	q.IDs[role] = NoMarker
	q.Points[role] = sum.Sub(q.Points[opp].Mul(2))
	q.Inferred = role
}

// Centroid returns the mean of the given points.
func Centroid(points ...r2.Point) r2.Point {
	if len(points) == 0 {
		return r2.Point{X: math.NaN(), Y: math.NaN()}
	}
	var sum r2.Point
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}
