// Package tracker implements the grid tracker as a Viam vision service.
// It follows ArUco markers on a flat surface, maps each one to a cell of a
// grid laid over the perspective corrected surface and publishes the mapping.
package tracker

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/grid-tracking/overlay"
	"github.com/viam-modules/grid-tracking/state"
	"github.com/viam-modules/grid-tracking/targets"
)

// ModelName is the name of the model
const ModelName = "grid-tracker"

var (
	// Model is the colon-delimited-triplet of the grid tracker.
	Model            = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented = errors.New("unimplemented")
)

type changeLog struct {
	mutex   sync.RWMutex
	changes []cellChange
}

type currentState struct {
	mutex    sync.RWMutex
	snapshot Snapshot
}

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newTracker,
	})
}

type gridTracker struct {
	resource.Named
	logger        logging.Logger
	cancelFunc    context.CancelFunc
	cancelContext context.Context

	triggerCancelFunc context.CancelFunc
	triggerContext    context.Context

	activeBackgroundWorkers sync.WaitGroup
	cellChanged             atomic.Bool
	coolDown                float64
	properties              vision.Properties

	current currentState
	currImg atomic.Pointer[image.Image]
	changes changeLog
	runErr  atomic.Pointer[error]

	cam       camera.Camera
	camName   string
	detector  MarkerDetector
	frequency float64
	engine    *Engine
	targets   *targets.Watcher

	statsMutex sync.Mutex
	timeStats  []time.Duration
}

func newTracker(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	t := &gridTracker{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		properties: vision.Properties{
			ClassificationSupported: true,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
	}
	if err := t.Reconfigure(ctx, deps, conf); err != nil {
		return nil, err
	}

	cancelableCtx, cancel := context.WithCancel(context.Background())
	t.cancelFunc = cancel
	t.cancelContext = cancelableCtx

	stream, err := t.cam.Stream(t.cancelContext, nil)
	if err != nil {
		cancel()
		return nil, multierr.Combine(err, t.closeResources(ctx))
	}
	src := NewCameraSource(stream, t.detector)

	t.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		err := Run(t.cancelContext, src, t.engine, RunOptions{
			Frequency: t.frequency,
			OnFrame:   t.onFrame,
			Logger:    t.logger,
		})
		if err != nil {
			t.logger.Errorf("tracking stopped: %v", err)
			t.runErr.Store(&err)
		}
	}, func() {
		t.cancelFunc()
		if err := stream.Close(context.Background()); err != nil {
			t.logger.Warnf("unable to close camera stream: %v", err)
		}
		t.activeBackgroundWorkers.Done()
	})

	return t, nil
}

// onFrame publishes the engine state to the service methods. It runs on the
// tracking goroutine.
func (t *gridTracker) onFrame(frame Frame, res FrameResult) {
	t.statsMutex.Lock()
	t.timeStats = append(t.timeStats, time.Since(res.At))
	t.statsMutex.Unlock()

	if len(res.Changes) > 0 {
		t.changes.mutex.Lock()
		for _, ev := range res.Changes {
			t.changes.changes = append(t.changes.changes, newCellChange(ev))
		}
		t.changes.mutex.Unlock()
		t.trigger()
	}
	t.current.mutex.Lock()
	t.current.snapshot = res.Snapshot
	t.current.mutex.Unlock()
	if frame.Image != nil {
		img := frame.Image
		t.currImg.Store(&img)
	}
}

// trigger raises the cell-changed classification and schedules its reset after
// the cool down. A new change restarts the cool down.
func (t *gridTracker) trigger() {
	if t.triggerCancelFunc != nil {
		t.triggerCancelFunc()
	}
	triggerContext, triggerCancelFunc := context.WithCancel(t.cancelContext)
	t.triggerContext = triggerContext
	t.triggerCancelFunc = triggerCancelFunc

	t.cellChanged.Store(true)
	t.activeBackgroundWorkers.Add(1)

	viamutils.ManagedGo(
		func() {
			coolDownTimer := time.After(time.Duration(t.coolDown * float64(time.Second)))
			select {
			case <-coolDownTimer:
				t.cellChanged.Store(false)
				return
			case <-triggerContext.Done():
				return
			}
		},
		func() {
			t.activeBackgroundWorkers.Done()
		})
}

// Reconfigure builds the engine and its stores from the configuration. A
// running tracker cannot be reconfigured in place.
func (t *gridTracker) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	if t.engine != nil {
		return resource.NewMustRebuildError(conf.ResourceName())
	}
	trackerConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	if err := trackerConfig.applyDefaults(); err != nil {
		return err
	}

	t.frequency = trackerConfig.MaxFrequency
	t.coolDown = *trackerConfig.TriggerCoolDown
	t.camName = trackerConfig.CameraName
	t.cam, err = camera.FromDependencies(deps, trackerConfig.CameraName)
	if err != nil {
		return errors.Wrapf(err, "unable to get camera %v for grid tracker", trackerConfig.CameraName)
	}
	detector, err := vision.FromDependencies(deps, trackerConfig.DetectorName)
	if err != nil {
		return errors.Wrapf(err, "unable to get detector %v for grid tracker", trackerConfig.DetectorName)
	}
	t.detector = NewVisionDetector(detector, trackerConfig.ChosenLabels, *trackerConfig.MinConfidence)

	engine, err := trackerConfig.NewEngine(ctx, t.logger)
	if err != nil {
		return err
	}
	if err := engine.Init(ctx); err != nil {
		t.logger.Warnf("%v; will retry on the next change", err)
	}

	if trackerConfig.TargetsFile != "" {
		w, err := targets.NewWatcher(trackerConfig.TargetsFile, t.logger)
		if err != nil {
			return multierr.Combine(err, engine.Close(ctx))
		}
		t.targets = w
	}
	t.engine = engine
	return nil
}

func (t *gridTracker) snapshot() Snapshot {
	t.current.mutex.RLock()
	defer t.current.mutex.RUnlock()
	return t.current.snapshot
}

func (t *gridTracker) targetSet() targets.Set {
	if t.targets == nil {
		return nil
	}
	return t.targets.Current()
}

func (t *gridTracker) classifications() classification.Classifications {
	s := t.snapshot()
	return currentClassifications(t.cellChanged.Load(), s, t.targetSet().Satisfied(s.Assignments))
}

func (t *gridTracker) checkRunning(ctx context.Context) error {
	select {
	case <-t.cancelContext.Done():
		if errPtr := t.runErr.Load(); errPtr != nil {
			return *errPtr
		}
		return t.cancelContext.Err()
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (t *gridTracker) checkCamera(cameraName string) error {
	if cameraName != t.camName {
		return errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	return nil
}

func (t *gridTracker) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if err := t.checkCamera(cameraName); err != nil {
		return nil, err
	}
	return t.Detections(ctx, nil, extra)
}

// Detections returns the tracked markers of the latest frame labeled with their
// cell. The image argument is ignored.
func (t *gridTracker) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	if err := t.checkRunning(ctx); err != nil {
		return nil, err
	}
	return getAssignedDetections(t.snapshot()), nil
}

func (t *gridTracker) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	if err := t.checkCamera(cameraName); err != nil {
		return nil, err
	}
	return t.Classifications(ctx, nil, n, extra)
}

func (t *gridTracker) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	if err := t.checkRunning(ctx); err != nil {
		return nil, err
	}
	return firstN(t.classifications(), n), nil
}

func (t *gridTracker) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &t.properties, nil
}

func (t *gridTracker) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

// CaptureAllFromCamera returns the latest frame with the grid overlay drawn on it.
func (t *gridTracker) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	if err := t.checkRunning(ctx); err != nil {
		return viscapture.VisCapture{}, err
	}
	if err := t.checkCamera(cameraName); err != nil {
		return viscapture.VisCapture{}, err
	}
	var out viscapture.VisCapture
	s := t.snapshot()
	if opt.ReturnImage {
		if imgPtr := t.currImg.Load(); imgPtr != nil {
			out.Image = overlay.Render(*imgPtr, Scene(s, t.targetSet()))
		}
	}
	if opt.ReturnDetections {
		out.Detections = getAssignedDetections(s)
	}
	if opt.ReturnClassifications {
		out.Classifications = t.classifications()
	}
	return out, nil
}

func (t *gridTracker) Close(ctx context.Context) error {
	t.cancelFunc()
	t.activeBackgroundWorkers.Wait()
	return t.closeResources(ctx)
}

func (t *gridTracker) closeResources(ctx context.Context) error {
	var err error
	if t.targets != nil {
		err = multierr.Combine(err, t.targets.Close())
	}
	if t.engine != nil {
		err = multierr.Combine(err, t.engine.Close(ctx))
	}
	return err
}

type benchmark struct {
	Slowest      float64
	Fastest      float64
	Average      float64
	NumberOfRuns int
}

// DoCommand answers "benchmark" (processing time), "logs" (cell changes),
// "grid" (the published mapping), "status" (reference markers) and "targets".
func (t *gridTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if cmd["benchmark"] != nil {
		t.statsMutex.Lock()
		out["benchmark"] = newBenchmark(t.timeStats)
		t.statsMutex.Unlock()
	}
	if cmd["logs"] != nil {
		t.changes.mutex.RLock()
		out["logs"] = append([]cellChange(nil), t.changes.changes...)
		t.changes.mutex.RUnlock()
	}
	s := t.snapshot()
	if cmd["grid"] != nil {
		out["grid"] = state.FromAssignments(s.Assignments)
	}
	if cmd["status"] != nil {
		refs := make(map[string]interface{}, len(s.References))
		for _, r := range s.References {
			refs[fmt.Sprint(r.ID)] = map[string]interface{}{"state": string(r.State), "age_s": r.Age.Seconds()}
		}
		out["status"] = map[string]interface{}{
			"rectified":  s.Rectified,
			"reused":     s.Reused,
			"references": refs,
			"homography": s.homography(),
		}
	}
	if cmd["targets"] != nil {
		out["targets"] = t.targetSet().Evaluate(s.Assignments)
	}
	return out, nil
}

func newBenchmark(stats []time.Duration) benchmark {
	n := len(stats)
	if n == 0 {
		return benchmark{}
	}
	tmin, tmax := stats[0], stats[0]
	var sum time.Duration
	for _, tt := range stats {
		if tt < tmin {
			tmin = tt
		}
		if tt > tmax {
			tmax = tt
		}
		sum += tt
	}
	return benchmark{
		Slowest:      float64(tmax),
		Fastest:      float64(tmin),
		Average:      float64(sum / time.Duration(n)),
		NumberOfRuns: n,
	}
}

// homography returns the rectifying matrix in row major order, or nil.
func (s Snapshot) homography() []float64 {
	if s.Rectifier == nil {
		return nil
	}
	m := s.Rectifier.Matrix()
	return m[:]
}
