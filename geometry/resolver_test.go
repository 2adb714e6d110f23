package geometry

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

var squareCorners = map[int]r2.Point{
	1: {X: 0, Y: 0},
	2: {X: 1000, Y: 0},
	3: {X: 0, Y: 1000},
	4: {X: 1000, Y: 1000},
}

func resolvers(minMarkers int) map[string]Resolver {
	return map[string]Resolver{
		"partition":  PartitionResolver{MinMarkers: minMarkers},
		"assignment": AssignmentResolver{MinMarkers: minMarkers},
	}
}

func TestResolveFourCorners(t *testing.T) {
	// a slightly skewed, near fronto-parallel view
	skewed := map[int]r2.Point{
		1: {X: 120, Y: 95},
		2: {X: 1810, Y: 130},
		3: {X: 60, Y: 1010},
		4: {X: 1870, Y: 980},
	}
	for name, r := range resolvers(4) {
		t.Run(name, func(t *testing.T) {
			for _, pts := range []map[int]r2.Point{squareCorners, skewed} {
				q, err := r.Resolve(pts)
				test.That(t, err, test.ShouldBeNil)
				test.That(t, q.IDs, test.ShouldResemble, [4]int{1, 2, 3, 4})
				test.That(t, q.Inferred, test.ShouldEqual, NoRole)
				test.That(t, q.Points[BottomRight], test.ShouldResemble, pts[4])
			}
		})
	}
}

func TestResolveIgnoresIdOrder(t *testing.T) {
	// every assignment of ids to positions resolves to the same geometry
	positions := []r2.Point{{X: 0, Y: 0}, {X: 1000, Y: 0}, {X: 0, Y: 1000}, {X: 1000, Y: 1000}}
	perms := [][4]int{
		{10, 20, 30, 40}, {40, 30, 20, 10}, {20, 10, 40, 30}, {30, 40, 10, 20}, {7, 3, 11, 5},
	}
	for name, r := range resolvers(4) {
		t.Run(name, func(t *testing.T) {
			for _, perm := range perms {
				pts := map[int]r2.Point{}
				for i, id := range perm {
					pts[id] = positions[i]
				}
				for attempt := 0; attempt < 5; attempt++ {
					q, err := r.Resolve(pts)
					test.That(t, err, test.ShouldBeNil)
					test.That(t, q.IDs, test.ShouldResemble, perm)
				}
			}
		})
	}
}

func TestResolveThreeCorners(t *testing.T) {
	for missing := 1; missing <= 4; missing++ {
		pts := map[int]r2.Point{}
		for id, p := range squareCorners {
			if id != missing {
				pts[id] = p
			}
		}
		for _, r := range resolvers(3) {
			q, err := r.Resolve(pts)
			test.That(t, err, test.ShouldBeNil)
			role := Role(missing - 1)
			test.That(t, q.Inferred, test.ShouldEqual, role)
			test.That(t, q.IDs[role], test.ShouldEqual, NoMarker)
			test.That(t, q.Points[role].Sub(squareCorners[missing]).Norm(), test.ShouldBeLessThan, 1e-9)
		}
		_, err := PartitionResolver{MinMarkers: 4}.Resolve(pts)
		test.That(t, errors.Is(err, ErrTooFewCorners), test.ShouldBeTrue)
	}
}

func TestResolveFailures(t *testing.T) {
	r := PartitionResolver{MinMarkers: 3}

	_, err := r.Resolve(map[int]r2.Point{1: {X: 0, Y: 0}, 2: {X: 10, Y: 10}})
	test.That(t, errors.Is(err, ErrTooFewCorners), test.ShouldBeTrue)

	five := map[int]r2.Point{5: {X: 500, Y: 500}}
	for id, p := range squareCorners {
		five[id] = p
	}
	_, err = r.Resolve(five)
	test.That(t, errors.Is(err, ErrTooManyCorners), test.ShouldBeTrue)

	// a diamond puts one marker above the centroid and one on the line
	diamond := map[int]r2.Point{
		1: {X: 500, Y: 0},
		2: {X: 1000, Y: 500},
		3: {X: 0, Y: 500},
		4: {X: 500, Y: 1000},
	}
	_, err = r.Resolve(diamond)
	test.That(t, errors.Is(err, ErrAmbiguousCorners), test.ShouldBeTrue)

	// three markers in a row cannot be split
	_, err = r.Resolve(map[int]r2.Point{1: {X: 0, Y: 5}, 2: {X: 5, Y: 5}, 3: {X: 10, Y: 5}})
	test.That(t, errors.Is(err, ErrAmbiguousCorners), test.ShouldBeTrue)

	_, err = AssignmentResolver{MinMarkers: 3}.Resolve(map[int]r2.Point{1: {X: 0, Y: 5}, 2: {X: 5, Y: 5}, 3: {X: 10, Y: 5}})
	test.That(t, errors.Is(err, ErrAmbiguousCorners), test.ShouldBeTrue)
}

func TestAssignmentResolverStrongPerspective(t *testing.T) {
	// the bottom-right marker sits above the centroid line, so the partition
	// heuristic sees three markers on top
	kite := map[int]r2.Point{
		1: {X: 0, Y: 0},
		2: {X: 1000, Y: 0},
		3: {X: 100, Y: 1000},
		4: {X: 900, Y: 200},
	}
	_, err := PartitionResolver{}.Resolve(kite)
	test.That(t, errors.Is(err, ErrAmbiguousCorners), test.ShouldBeTrue)

	q, err := AssignmentResolver{}.Resolve(kite)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, q.IDs, test.ShouldResemble, [4]int{1, 2, 3, 4})

	_, err = NewRectifier(q, DefaultGridSize)
	test.That(t, err, test.ShouldBeNil)
}

func TestCentroid(t *testing.T) {
	c := Centroid(r2.Point{X: 0, Y: 0}, r2.Point{X: 2, Y: 0}, r2.Point{X: 2, Y: 4}, r2.Point{X: 0, Y: 4})
	test.That(t, c, test.ShouldResemble, r2.Point{X: 1, Y: 2})
}
