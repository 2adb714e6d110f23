//go:build withcv
// +build withcv

// Package main runs the grid tracker on a local webcam with OpenCV and shows
// the annotated frames in a window. Press q to quit.
package main

import (
	"context"
	"flag"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"gocv.io/x/gocv"

	"github.com/viam-modules/grid-tracking/aruco"
	"github.com/viam-modules/grid-tracking/overlay"
	"github.com/viam-modules/grid-tracking/targets"
	"github.com/viam-modules/grid-tracking/tracker"
)

func main() {
	logger := logging.NewLogger("grid-camera")
	if err := realMain(logger); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func realMain(logger logging.Logger) (err error) {
	device := flag.Int("camera", 0, "capture device index")
	dictionary := flag.String("dictionary", aruco.DefaultDictionary, "predefined ArUco dictionary")
	configPath := flag.String("config", "", "optional JSON file with the service attributes")
	headless := flag.Bool("headless", false, "do not open a preview window")
	flag.Parse()

	cfg := &tracker.Config{}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return errors.Wrap(err, "unable to read config")
		}
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, cfg); err != nil {
			return errors.Wrapf(err, "unable to parse %s", *configPath)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, engine.Close(context.Background()))
	}()
	if err := engine.Init(ctx); err != nil {
		logger.Warn(err)
	}

	var watcher *targets.Watcher
	if cfg.TargetsFile != "" {
		if watcher, err = targets.NewWatcher(cfg.TargetsFile, logger); err != nil {
			return err
		}
		defer watcher.Close()
	}

	detector, err := aruco.NewDetector(*dictionary)
	if err != nil {
		return err
	}
	defer detector.Close()
	camera, err := aruco.OpenCamera(*device, detector)
	if err != nil {
		return err
	}
	defer camera.Close()

	var window *gocv.Window
	if !*headless {
		window = gocv.NewWindow("Grid Tracker")
		defer window.Close()
	}

	logger.Infof("tracking on camera %d with reference markers %v", *device, engine.ReferenceIDs())
	return tracker.Run(ctx, camera, engine, tracker.RunOptions{
		Frequency: cfg.MaxFrequency,
		Logger:    logger,
		OnFrame: func(f tracker.Frame, res tracker.FrameResult) {
			if window == nil || f.Image == nil {
				return
			}
			var set targets.Set
			if watcher != nil {
				set = watcher.Current()
			}
			mat, err := gocv.ImageToMatRGB(overlay.Render(f.Image, tracker.Scene(res.Snapshot, set)))
			if err != nil {
				logger.Warnf("unable to display frame: %v", err)
				return
			}
			defer mat.Close()
			window.IMShow(mat)
			if key := window.WaitKey(1); key == 'q' {
				cancel()
			}
		},
	})
}
