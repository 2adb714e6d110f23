package tracker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/grid-tracking/geometry"
	"github.com/viam-modules/grid-tracking/state"
)

type fakeStore struct {
	saved  []state.Mapping
	err    error
	closed bool
}

func (f *fakeStore) Save(ctx context.Context, m state.Mapping) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, m)
	return nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func (f *fakeStore) last() state.Mapping {
	if len(f.saved) == 0 {
		return nil
	}
	return f.saved[len(f.saved)-1]
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		ReferenceIDs:        []int{1, 2, 3, 4},
		MinReferenceMarkers: 4,
		Resolver:            ResolverPartition,
		Grid:                geometry.Grid{Columns: 3, Rows: 3, Size: geometry.DefaultGridSize},
		CornerTimeout:       90 * time.Second,
		ObjectTimeout:       5 * time.Second,
		SaveInterval:        time.Second,
	}
}

func newTestEngine(t *testing.T, cfg EngineConfig, opts ...Option) (*Engine, *clock.Mock, *fakeStore) {
	t.Helper()
	mock := clock.NewMock()
	store := &fakeStore{}
	e, err := NewEngine(cfg, store, logging.NewTestLogger(t), append([]Option{WithClock(mock)}, opts...)...)
	test.That(t, err, test.ShouldBeNil)
	return e, mock, store
}

// marker returns a 10px square tag centered on (x, y).
func marker(id int, x, y float64) Observation {
	return Observation{ID: id, Corners: [4]r2.Point{
		{X: x - 5, Y: y - 5}, {X: x + 5, Y: y - 5}, {X: x + 5, Y: y + 5}, {X: x - 5, Y: y + 5},
	}}
}

// frame returns the four reference markers at the image corners plus extra.
func frame(extra ...Observation) []Observation {
	obs := []Observation{marker(1, 0, 0), marker(2, 1000, 0), marker(3, 0, 1000), marker(4, 1000, 1000)}
	return append(obs, extra...)
}

func TestEngineMapsObjectsToCells(t *testing.T) {
	ctx := context.Background()
	e, mock, store := newTestEngine(t, testEngineConfig())

	res := e.Process(ctx, frame(marker(7, 500, 500), marker(8, 10, 10), marker(9, 990, 990)))
	test.That(t, res.ResolveErr, test.ShouldBeNil)
	test.That(t, res.Rectified, test.ShouldBeTrue)
	test.That(t, res.Assignments, test.ShouldResemble, map[int]int{7: 5, 8: 1, 9: 9})
	test.That(t, res.Changes, test.ShouldResemble, []ChangeEvent{
		{MarkerID: 7, From: 0, To: 5, At: mock.Now()},
		{MarkerID: 8, From: 0, To: 1, At: mock.Now()},
		{MarkerID: 9, From: 0, To: 9, At: mock.Now()},
	})
	test.That(t, res.Persisted, test.ShouldBeTrue)
	test.That(t, store.last(), test.ShouldResemble, state.FromAssignments(map[int]int{7: 5, 8: 1, 9: 9}))

	// reference markers never end up in the mapping
	for _, id := range []int{1, 2, 3, 4} {
		_, ok := res.Assignments[id]
		test.That(t, ok, test.ShouldBeFalse)
	}
}

func TestEngineIsEdgeTriggered(t *testing.T) {
	ctx := context.Background()
	e, mock, store := newTestEngine(t, testEngineConfig())

	obs := frame(marker(7, 500, 500))
	test.That(t, len(e.Process(ctx, obs).Changes), test.ShouldEqual, 1)
	for i := 0; i < 5; i++ {
		mock.Add(2 * time.Second)
		res := e.Process(ctx, obs)
		test.That(t, len(res.Changes), test.ShouldEqual, 0)
		test.That(t, res.Persisted, test.ShouldBeFalse)
	}
	test.That(t, len(store.saved), test.ShouldEqual, 1)
}

func TestEngineObjectExpiry(t *testing.T) {
	ctx := context.Background()
	e, mock, _ := newTestEngine(t, testEngineConfig())

	e.Process(ctx, frame(marker(7, 500, 500)))

	// absent but still remembered
	mock.Add(3 * time.Second)
	res := e.Process(ctx, frame())
	test.That(t, len(res.Changes), test.ShouldEqual, 0)
	test.That(t, res.Assignments[7], test.ShouldEqual, 5)
	test.That(t, len(res.Objects), test.ShouldEqual, 1)

	// expired: dropped from memory and from the mapping
	mock.Add(3 * time.Second)
	res = e.Process(ctx, frame())
	test.That(t, len(res.Objects), test.ShouldEqual, 0)
	test.That(t, res.Changes, test.ShouldResemble, []ChangeEvent{{MarkerID: 7, From: 5, To: 0, At: mock.Now()}})
	test.That(t, res.Changes[0].Removed(), test.ShouldBeTrue)
	_, ok := res.Assignments[7]
	test.That(t, ok, test.ShouldBeFalse)

	// a fresh detection elsewhere is exactly one change
	mock.Add(time.Second)
	res = e.Process(ctx, frame(marker(7, 10, 10)))
	test.That(t, res.Changes, test.ShouldResemble, []ChangeEvent{{MarkerID: 7, From: 0, To: 1, At: mock.Now()}})
}

func TestEngineKeepExpired(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()
	cfg.KeepExpired = true
	e, mock, _ := newTestEngine(t, cfg)

	e.Process(ctx, frame(marker(7, 500, 500)))
	mock.Add(6 * time.Second)
	res := e.Process(ctx, frame())
	test.That(t, len(res.Objects), test.ShouldEqual, 0)
	test.That(t, len(res.Changes), test.ShouldEqual, 0)
	test.That(t, res.Assignments[7], test.ShouldEqual, 5)

	mock.Add(time.Second)
	res = e.Process(ctx, frame(marker(7, 10, 10)))
	test.That(t, res.Changes, test.ShouldResemble, []ChangeEvent{{MarkerID: 7, From: 5, To: 1, At: mock.Now()}})
}

func TestEngineThreeReferenceMarkers(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()

	// the default quorum needs all four
	e, _, _ := newTestEngine(t, cfg)
	res := e.Process(ctx, frame(marker(7, 500, 500))[:3])
	test.That(t, errors.Is(res.ResolveErr, geometry.ErrTooFewCorners), test.ShouldBeTrue)
	test.That(t, len(res.Changes), test.ShouldEqual, 0)

	cfg.MinReferenceMarkers = 3
	e, mock, _ := newTestEngine(t, cfg)
	obs := frame(marker(7, 500, 500))
	partial := append(append([]Observation{}, obs[:3]...), obs[4])
	res = e.Process(ctx, partial)
	test.That(t, res.ResolveErr, test.ShouldBeNil)
	test.That(t, res.Quad.Inferred, test.ShouldEqual, geometry.BottomRight)
	test.That(t, res.Assignments[7], test.ShouldEqual, 5)
	inferred := res.Rectifier.Matrix()

	mock.Add(time.Second)
	res = e.Process(ctx, obs)
	test.That(t, res.Quad.Inferred, test.ShouldEqual, geometry.NoRole)
	test.That(t, len(res.Changes), test.ShouldEqual, 0)
	full := res.Rectifier.Matrix()
	for i := range full {
		test.That(t, math.Abs(full[i]-inferred[i]), test.ShouldBeLessThan, 1e-9)
	}
}

func TestEngineResolutionFailureKeepsCells(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()
	cfg.CornerTimeout = 2 * time.Second
	e, mock, _ := newTestEngine(t, cfg)

	e.Process(ctx, frame(marker(7, 500, 500)))
	mock.Add(3 * time.Second)
	res := e.Process(ctx, []Observation{marker(7, 10, 10)})
	test.That(t, res.ResolveErr, test.ShouldNotBeNil)
	test.That(t, res.Rectified, test.ShouldBeFalse)
	test.That(t, res.Rectifier, test.ShouldBeNil)
	test.That(t, len(res.Changes), test.ShouldEqual, 0)
	test.That(t, res.Assignments[7], test.ShouldEqual, 5)
	for _, r := range res.References {
		test.That(t, r.State, test.ShouldEqual, ReferenceMissing)
	}

	// once the corners come back the object is mapped again
	mock.Add(time.Second)
	res = e.Process(ctx, frame(marker(7, 10, 10)))
	test.That(t, res.Changes, test.ShouldResemble, []ChangeEvent{{MarkerID: 7, From: 5, To: 1, At: mock.Now()}})
}

func TestEngineReuseLastHomography(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()
	cfg.CornerTimeout = 2 * time.Second
	cfg.ReuseLastHomography = true
	e, mock, _ := newTestEngine(t, cfg)

	e.Process(ctx, frame(marker(7, 500, 500)))
	mock.Add(3 * time.Second)
	res := e.Process(ctx, []Observation{marker(7, 10, 10)})
	test.That(t, res.ResolveErr, test.ShouldNotBeNil)
	test.That(t, res.Reused, test.ShouldBeTrue)
	test.That(t, res.Rectifier, test.ShouldNotBeNil)
	test.That(t, res.Changes, test.ShouldResemble, []ChangeEvent{{MarkerID: 7, From: 5, To: 1, At: mock.Now()}})
}

func TestEngineReferenceStatus(t *testing.T) {
	ctx := context.Background()
	e, mock, _ := newTestEngine(t, testEngineConfig())

	res := e.Process(ctx, frame()[:2])
	test.That(t, res.References, test.ShouldResemble, []ReferenceStatus{
		{ID: 1, State: ReferenceDetected},
		{ID: 2, State: ReferenceDetected},
		{ID: 3, State: ReferenceMissing},
		{ID: 4, State: ReferenceMissing},
	})

	mock.Add(1500 * time.Millisecond)
	res = e.Process(ctx, frame()[1:])
	test.That(t, res.References[0], test.ShouldResemble, ReferenceStatus{ID: 1, State: ReferenceRemembered, Age: 1500 * time.Millisecond})
	test.That(t, res.Rectified, test.ShouldBeTrue)
	test.That(t, e.ReferenceStatus(), test.ShouldResemble, res.References)
}

func TestEnginePersistIsRateLimited(t *testing.T) {
	ctx := context.Background()
	e, mock, store := newTestEngine(t, testEngineConfig())

	res := e.Process(ctx, frame(marker(7, 500, 500)))
	test.That(t, res.Persisted, test.ShouldBeTrue)

	mock.Add(100 * time.Millisecond)
	res = e.Process(ctx, frame(marker(7, 10, 10)))
	test.That(t, len(res.Changes), test.ShouldEqual, 1)
	test.That(t, res.Persisted, test.ShouldBeFalse)
	test.That(t, len(store.saved), test.ShouldEqual, 1)

	mock.Add(time.Second)
	res = e.Process(ctx, frame(marker(7, 10, 10)))
	test.That(t, len(res.Changes), test.ShouldEqual, 0)
	test.That(t, res.Persisted, test.ShouldBeTrue)
	test.That(t, len(store.saved), test.ShouldEqual, 2)
	test.That(t, store.last(), test.ShouldResemble, state.Mapping{"7": {GridSection: 1}})
}

func TestEnginePersistRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	e, mock, store := newTestEngine(t, testEngineConfig())
	store.err = errors.New("disk full")

	res := e.Process(ctx, frame(marker(7, 500, 500)))
	test.That(t, res.Persisted, test.ShouldBeFalse)
	test.That(t, res.PersistErr, test.ShouldNotBeNil)

	store.err = nil
	mock.Add(500 * time.Millisecond)
	res = e.Process(ctx, frame(marker(7, 500, 500)))
	test.That(t, res.Persisted, test.ShouldBeFalse)

	mock.Add(time.Second)
	res = e.Process(ctx, frame(marker(7, 500, 500)))
	test.That(t, res.Persisted, test.ShouldBeTrue)
	test.That(t, store.last(), test.ShouldResemble, state.Mapping{"7": {GridSection: 5}})
}

func TestEngineInit(t *testing.T) {
	ctx := context.Background()
	e, _, store := newTestEngine(t, testEngineConfig())
	test.That(t, e.Init(ctx), test.ShouldBeNil)
	test.That(t, store.saved, test.ShouldResemble, []state.Mapping{{}})

	e, _, store = newTestEngine(t, testEngineConfig())
	store.err = errors.New("read-only file system")
	test.That(t, e.Init(ctx), test.ShouldNotBeNil)
	store.err = nil
	res := e.Process(ctx, frame())
	test.That(t, res.Persisted, test.ShouldBeTrue)
	test.That(t, store.saved, test.ShouldResemble, []state.Mapping{{}})
}

func TestEngineCloseFlushes(t *testing.T) {
	ctx := context.Background()
	var events []ChangeEvent
	e, mock, store := newTestEngine(t, testEngineConfig(), WithChangeHandler(func(ev ChangeEvent) {
		events = append(events, ev)
	}))

	e.Process(ctx, frame(marker(7, 500, 500)))
	mock.Add(100 * time.Millisecond)
	e.Process(ctx, frame(marker(7, 990, 10)))
	test.That(t, len(store.saved), test.ShouldEqual, 1)
	test.That(t, len(events), test.ShouldEqual, 2)
	test.That(t, events[1], test.ShouldResemble, ChangeEvent{MarkerID: 7, From: 5, To: 3, At: mock.Now()})

	test.That(t, e.Close(ctx), test.ShouldBeNil)
	test.That(t, store.closed, test.ShouldBeTrue)
	test.That(t, store.last(), test.ShouldResemble, state.Mapping{"7": {GridSection: 3}})
}

func TestEngineSkipsObjectsBeyondHorizon(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, testEngineConfig())

	res := e.Process(ctx, []Observation{
		marker(1, 400, 100), marker(2, 600, 100), marker(3, 0, 1000), marker(4, 1000, 1000),
		marker(7, 500, 900),
		marker(8, 500, -1000),
	})
	test.That(t, res.Rectified, test.ShouldBeTrue)
	test.That(t, res.Assignments, test.ShouldResemble, map[int]int{7: 8})
}

func TestEngineAutoReference(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()
	cfg.ReferenceIDs = nil
	cfg.AutoReference = true
	e, mock, _ := newTestEngine(t, cfg)

	// not enough markers to pick the corners
	res := e.Process(ctx, []Observation{marker(10, 0, 0), marker(11, 1000, 0), marker(20, 500, 500)})
	test.That(t, len(e.ReferenceIDs()), test.ShouldEqual, 0)
	test.That(t, len(res.Changes), test.ShouldEqual, 0)

	surface := []Observation{
		marker(20, 500, 500),
		marker(13, 1000, 1000),
		marker(10, 0, 0),
		marker(12, 0, 1000),
		marker(11, 1000, 0),
	}

	// a marker passing near a corner is picked for one frame only
	mock.Add(100 * time.Millisecond)
	e.Process(ctx, append([]Observation{marker(30, 1010, 1010)}, surface[1:]...))
	test.That(t, len(e.ReferenceIDs()), test.ShouldEqual, 0)

	for i := 0; i < autoReferenceFrames-1; i++ {
		mock.Add(100 * time.Millisecond)
		res = e.Process(ctx, surface)
		test.That(t, len(e.ReferenceIDs()), test.ShouldEqual, 0)
		test.That(t, len(res.Assignments), test.ShouldEqual, 0)
	}

	mock.Add(100 * time.Millisecond)
	res = e.Process(ctx, surface)
	test.That(t, e.ReferenceIDs(), test.ShouldResemble, []int{10, 11, 12, 13})
	// the passing marker is still remembered and clamps into the corner cell
	test.That(t, res.Assignments, test.ShouldResemble, map[int]int{20: 5, 30: 9})
	test.That(t, len(res.Objects), test.ShouldEqual, 2)

	// the lock holds even when another marker is nearer a corner later on
	mock.Add(100 * time.Millisecond)
	e.Process(ctx, append([]Observation{marker(31, -10, -10)}, surface...))
	test.That(t, e.ReferenceIDs(), test.ShouldResemble, []int{10, 11, 12, 13})
}

func TestEngineConfigValidate(t *testing.T) {
	test.That(t, testEngineConfig().Validate(), test.ShouldBeNil)

	for name, mutate := range map[string]func(*EngineConfig){
		"three ids":       func(c *EngineConfig) { c.ReferenceIDs = []int{1, 2, 3} },
		"duplicate ids":   func(c *EngineConfig) { c.ReferenceIDs = []int{1, 2, 3, 3} },
		"quorum":          func(c *EngineConfig) { c.MinReferenceMarkers = 2 },
		"resolver":        func(c *EngineConfig) { c.Resolver = "hull" },
		"grid":            func(c *EngineConfig) { c.Grid.Columns = 0 },
		"corner timeout":  func(c *EngineConfig) { c.CornerTimeout = 0 },
		"negative period": func(c *EngineConfig) { c.SaveInterval = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testEngineConfig()
			mutate(&cfg)
			test.That(t, cfg.Validate(), test.ShouldNotBeNil)
			_, err := NewEngine(cfg, &fakeStore{}, logging.NewTestLogger(t))
			test.That(t, err, test.ShouldNotBeNil)
		})
	}

	cfg := testEngineConfig()
	cfg.ReferenceIDs = nil
	cfg.AutoReference = true
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	_, err := NewEngine(testEngineConfig(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
