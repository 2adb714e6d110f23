// Package tracker implements the grid tracker as a Viam vision service.
// This file contains the per-frame tracking engine.
package tracker

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/grid-tracking/geometry"
	"github.com/viam-modules/grid-tracking/memory"
	"github.com/viam-modules/grid-tracking/state"
)

// Resolver names accepted by EngineConfig.
const (
	ResolverPartition  = "partition"
	ResolverAssignment = "assignment"
)

// EngineConfig holds everything the engine needs besides its collaborators.
type EngineConfig struct {
	// ReferenceIDs are the four markers on the surface corners. Ignored when
	// AutoReference is set.
	ReferenceIDs []int
	// AutoReference locks in the four outermost markers once the same four have
	// been picked in consecutive frames. The lock lasts for the engine's lifetime.
	AutoReference       bool
	MinReferenceMarkers int
	Resolver            string
	Grid                geometry.Grid
	CornerTimeout       time.Duration
	ObjectTimeout       time.Duration
	SaveInterval        time.Duration
	// ReuseLastHomography maps objects with the last good transform when the
	// corners cannot be resolved in the current frame.
	ReuseLastHomography bool
	// KeepExpired leaves objects in the mapping after they expire from memory.
	KeepExpired bool
}

// Validate checks the configuration.
func (c EngineConfig) Validate() error {
	if !c.AutoReference {
		if len(c.ReferenceIDs) != 4 {
			return errors.Errorf("exactly 4 reference marker ids are required, got %d", len(c.ReferenceIDs))
		}
		seen := map[int]bool{}
		for _, id := range c.ReferenceIDs {
			if seen[id] {
				return errors.Errorf("reference marker id %d listed twice", id)
			}
			seen[id] = true
		}
	}
	if c.MinReferenceMarkers != 3 && c.MinReferenceMarkers != 4 {
		return errors.Errorf("min_reference_markers must be 3 or 4, got %d", c.MinReferenceMarkers)
	}
	if c.Resolver != ResolverPartition && c.Resolver != ResolverAssignment {
		return errors.Errorf("unknown resolver %q", c.Resolver)
	}
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if c.CornerTimeout <= 0 || c.ObjectTimeout <= 0 {
		return errors.New("memory timeouts must be positive")
	}
	if c.SaveInterval < 0 {
		return errors.New("save interval cannot be negative")
	}
	return nil
}

// ChangeEvent reports that a marker entered a new cell. From is 0 for a marker
// seen for the first time; To is 0 when the marker was removed.
type ChangeEvent struct {
	MarkerID int
	From     int
	To       int
	At       time.Time
}

// Removed reports whether the event drops the marker from the mapping.
func (c ChangeEvent) Removed() bool {
	return c.To == 0
}

// ReferenceState describes how a reference marker is currently known.
type ReferenceState string

// Reference marker states.
const (
	ReferenceDetected   ReferenceState = "detected"
	ReferenceRemembered ReferenceState = "remembered"
	ReferenceMissing    ReferenceState = "missing"
)

// ReferenceStatus is the state of one reference marker after a frame.
type ReferenceStatus struct {
	ID    int
	State ReferenceState
	Age   time.Duration
}

// Snapshot is a read-only view of the engine after a frame. It shares nothing
// mutable with the engine and may be handed to other goroutines.
type Snapshot struct {
	At          time.Time
	Rectified   bool
	Reused      bool
	Quad        geometry.Quad
	Rectifier   *geometry.Homography
	Grid        geometry.Grid
	Assignments map[int]int
	Objects     []memory.Entry
	Corners     []memory.Entry
	References  []ReferenceStatus
}

// FrameResult is the outcome of processing one frame.
type FrameResult struct {
	Snapshot
	Changes    []ChangeEvent
	ResolveErr error
	Persisted  bool
	PersistErr error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithChangeHandler registers fn to be called for every change event, in order,
// on the goroutine that processes frames.
func WithChangeHandler(fn func(ChangeEvent)) Option {
	return func(e *Engine) { e.handlers = append(e.handlers, fn) }
}

// Engine turns marker observations into grid cell assignments. It keeps the
// corner and object memories, the last good rectification and the published
// mapping. It is not safe for concurrent use; call it from a single goroutine.
type Engine struct {
	cfg      EngineConfig
	logger   logging.Logger
	clock    clock.Clock
	store    state.Store
	resolver geometry.Resolver
	handlers []func(ChangeEvent)

	refs            map[int]bool
	candidate       [4]int
	candidateFrames int
	corners         *memory.Store
	objects         *memory.Store

	rectifier *geometry.Homography
	quad      geometry.Quad
	rectified bool

	assignments map[int]int
	dirty       bool
	lastPersist time.Time
	frameTime   time.Time
}

// NewEngine builds an engine publishing to store.
func NewEngine(cfg EngineConfig, store state.Store, logger logging.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("a state store is required")
	}
	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		clock:       clock.New(),
		store:       store,
		refs:        map[int]bool{},
		assignments: map[int]int{},
	}
	if !cfg.AutoReference {
		for _, id := range cfg.ReferenceIDs {
			e.refs[id] = true
		}
	}
	switch cfg.Resolver {
	case ResolverAssignment:
		e.resolver = geometry.AssignmentResolver{MinMarkers: cfg.MinReferenceMarkers}
	default:
		e.resolver = geometry.PartitionResolver{MinMarkers: cfg.MinReferenceMarkers}
	}
	e.corners = memory.New(cfg.CornerTimeout, e.isReference)
	e.objects = memory.New(cfg.ObjectTimeout, func(id int) bool { return !e.isReference(id) })
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) isReference(id int) bool {
	return e.refs[id]
}

// Init publishes an empty mapping so consumers find the store before the first
// frame. A failure is returned and the write is retried on the next persist.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.store.Save(ctx, state.Mapping{}); err != nil {
		e.dirty = true
		return errors.Wrap(err, "unable to initialize grid locations")
	}
	return nil
}

// Process runs one frame: update memories, resolve the surface, map objects to
// cells, emit changes and persist if the save interval allows it.
func (e *Engine) Process(ctx context.Context, observations []Observation) FrameResult {
	now := e.clock.Now()
	e.frameTime = now
	var res FrameResult

	if e.cfg.AutoReference && len(e.refs) == 0 {
		e.lockReferences(observations)
	}

	for _, o := range observations {
		c := o.Centroid()
		if e.isReference(o.ID) {
			e.corners.Observe(o.ID, c, o.Corners, now)
		} else {
			e.objects.Observe(o.ID, c, o.Corners, now)
		}
	}
	e.corners.Purge(now)
	for _, id := range e.objects.Purge(now) {
		if ev, ok := e.evict(id, now); ok {
			res.Changes = append(res.Changes, ev)
		}
	}

	h, err := e.rectify(now)
	res.ResolveErr = err
	if h != nil {
		for _, entry := range e.objects.Entries() {
			p, err := h.Project(entry.Centroid)
			if err != nil {
				e.logger.Debugf("marker %d cannot be projected: %v", entry.ID, err)
				continue
			}
			cell := e.cfg.Grid.Cell(p)
			prev, ok := e.assignments[entry.ID]
			if ok && prev == cell {
				continue
			}
			e.assignments[entry.ID] = cell
			e.dirty = true
			res.Changes = append(res.Changes, ChangeEvent{MarkerID: entry.ID, From: prev, To: cell, At: now})
		}
	}

	for _, ev := range res.Changes {
		if ev.Removed() {
			e.logger.Infof("marker %d expired from grid section %d", ev.MarkerID, ev.From)
		} else {
			e.logger.Infof("marker %d moved to grid section %d", ev.MarkerID, ev.To)
		}
		for _, fn := range e.handlers {
			fn(ev)
		}
	}

	res.Persisted, res.PersistErr = e.persist(ctx, now, false)
	res.Snapshot = e.Snapshot()
	return res
}

// rectify resolves the corners known to Corner Memory and builds the transform
// for this frame. The last good transform is reused only if configured to.
func (e *Engine) rectify(now time.Time) (*geometry.Homography, error) {
	q, err := e.resolver.Resolve(e.corners.Snapshot(now))
	var h *geometry.Homography
	if err == nil {
		h, err = geometry.NewRectifier(q, e.cfg.Grid.Size)
	}
	if err == nil {
		if !e.rectified {
			e.logger.Infof("surface resolved from reference markers %v", q.IDs)
		}
		e.rectifier, e.quad, e.rectified = h, q, true
		return h, nil
	}

	if e.rectified {
		e.logger.Warnf("lost surface rectification: %v", err)
	} else {
		e.logger.Debugf("no surface rectification: %v", err)
	}
	e.rectified = false
	if e.cfg.ReuseLastHomography && e.rectifier != nil {
		return e.rectifier, err
	}
	return nil, err
}

func (e *Engine) evict(id int, now time.Time) (ChangeEvent, bool) {
	if e.cfg.KeepExpired {
		return ChangeEvent{}, false
	}
	cell, ok := e.assignments[id]
	if !ok {
		return ChangeEvent{}, false
	}
	delete(e.assignments, id)
	e.dirty = true
	return ChangeEvent{MarkerID: id, From: cell, To: 0, At: now}, true
}

// persist writes the mapping if it changed and the save interval has passed
// (or force is set). A failed write leaves the mapping dirty for the next window.
func (e *Engine) persist(ctx context.Context, now time.Time, force bool) (bool, error) {
	if !e.dirty {
		return false, nil
	}
	if !force && !e.lastPersist.IsZero() && now.Sub(e.lastPersist) < e.cfg.SaveInterval {
		return false, nil
	}
	e.lastPersist = now
	if err := e.store.Save(ctx, state.FromAssignments(e.assignments)); err != nil {
		e.logger.Warnf("unable to save grid locations: %v", err)
		return false, err
	}
	e.dirty = false
	return true, nil
}

// Flush writes pending changes regardless of the save interval.
func (e *Engine) Flush(ctx context.Context) error {
	_, err := e.persist(ctx, e.clock.Now(), true)
	return err
}

// Close flushes pending changes and closes the store.
func (e *Engine) Close(ctx context.Context) error {
	return multierr.Combine(e.Flush(ctx), e.store.Close())
}

// autoReferenceFrames is how many consecutive frames must agree on the same
// four markers before they are locked in.
const autoReferenceFrames = 3

// lockReferences picks the markers nearest the four extreme corners of the
// frame. They become the reference set once they are four distinct markers and
// the same four have been picked for autoReferenceFrames frames in a row. A
// marker resting near a corner of the frame during that window is taken for a
// reference until the engine is rebuilt.
func (e *Engine) lockReferences(observations []Observation) {
	if len(observations) < 4 {
		e.candidateFrames = 0
		return
	}
	obs := append([]Observation(nil), observations...)
	sort.Slice(obs, func(i, j int) bool { return obs[i].ID < obs[j].ID })

	pick := func(score func(x, y float64) float64) int {
		best, bestScore := obs[0].ID, 0.0
		for i, o := range obs {
			c := o.Centroid()
			if s := score(c.X, c.Y); i == 0 || s < bestScore {
				best, bestScore = o.ID, s
			}
		}
		return best
	}
	ids := [4]int{
		pick(func(x, y float64) float64 { return x + y }),    // top-left
		pick(func(x, y float64) float64 { return y - x }),    // top-right
		pick(func(x, y float64) float64 { return x - y }),    // bottom-left
		pick(func(x, y float64) float64 { return -(x + y) }), // bottom-right
	}
	refs := map[int]bool{}
	for _, id := range ids {
		refs[id] = true
	}
	if len(refs) != 4 {
		e.candidateFrames = 0
		return
	}
	if e.candidateFrames > 0 && ids == e.candidate {
		e.candidateFrames++
	} else {
		e.candidate, e.candidateFrames = ids, 1
	}
	if e.candidateFrames < autoReferenceFrames {
		return
	}
	e.refs = refs
	for id := range refs {
		e.objects.Forget(id)
		if _, ok := e.assignments[id]; ok {
			delete(e.assignments, id)
			e.dirty = true
		}
	}
	e.logger.Infof("locked reference markers %v", ids)
}

// ReferenceIDs returns the reference marker ids in ascending order.
func (e *Engine) ReferenceIDs() []int {
	ids := make([]int, 0, len(e.refs))
	for id := range e.refs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ReferenceStatus reports how each reference marker is known after the last frame.
func (e *Engine) ReferenceStatus() []ReferenceStatus {
	ids := e.ReferenceIDs()
	out := make([]ReferenceStatus, 0, len(ids))
	for _, id := range ids {
		entry, ok := e.corners.Entry(id)
		switch {
		case !ok:
			out = append(out, ReferenceStatus{ID: id, State: ReferenceMissing})
		case entry.Seen.Equal(e.frameTime):
			out = append(out, ReferenceStatus{ID: id, State: ReferenceDetected})
		default:
			out = append(out, ReferenceStatus{ID: id, State: ReferenceRemembered, Age: entry.Age(e.frameTime)})
		}
	}
	return out
}

// Assignments returns a copy of the current marker to cell mapping.
func (e *Engine) Assignments() map[int]int {
	out := make(map[int]int, len(e.assignments))
	for id, cell := range e.assignments {
		out[id] = cell
	}
	return out
}

// Snapshot captures the engine state after the last frame.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		At:          e.frameTime,
		Rectified:   e.rectified,
		Grid:        e.cfg.Grid,
		Assignments: e.Assignments(),
		Objects:     e.objects.Entries(),
		Corners:     e.corners.Entries(),
		References:  e.ReferenceStatus(),
	}
	if e.rectified || (e.cfg.ReuseLastHomography && e.rectifier != nil) {
		s.Quad = e.quad
		s.Rectifier = e.rectifier
		s.Reused = !e.rectified
	}
	return s
}
