// Package main replays a recording of marker observations through the grid
// tracker and prints the resulting mapping. Recordings are JSON lines of
// {"t": seconds, "markers": [{"id": 7, "corners": [[x,y],[x,y],[x,y],[x,y]]}]}.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/grid-tracking/state"
	"github.com/viam-modules/grid-tracking/tracker"
)

func main() {
	logger := logging.NewLogger("grid-replay")
	if err := realMain(logger); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func realMain(logger logging.Logger) (err error) {
	recording := flag.String("recording", "", "JSON lines file of recorded observations")
	configPath := flag.String("config", "", "optional JSON file with the service attributes")
	stateFile := flag.String("state-file", "", "override state_file")
	flag.Parse()
	if *recording == "" {
		return errors.New("-recording is required")
	}

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
	if *stateFile != "" {
		cfg.StateFile = stateFile
	}

	ctx := context.Background()
	mock := clock.NewMock()
	start := mock.Now()
	engine, err := cfg.NewEngine(ctx, logger, tracker.WithClock(mock))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, engine.Close(ctx))
	}()
	if err := engine.Init(ctx); err != nil {
		logger.Warn(err)
	}

	src, err := tracker.OpenReplaySource(*recording, func(f tracker.RecordedFrame) {
		mock.Set(start.Add(time.Duration(f.Offset * float64(time.Second))))
	})
	if err != nil {
		return err
	}
	defer src.Close()

	frames := 0
	if err := tracker.Run(ctx, src, engine, tracker.RunOptions{
		Logger:  logger,
		OnFrame: func(tracker.Frame, tracker.FrameResult) { frames++ },
	}); err != nil {
		return err
	}
	logger.Infof("replayed %d frames", frames)

	data, err := state.FromAssignments(engine.Assignments()).Encode()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
