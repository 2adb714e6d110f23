// Package tracker implements the grid tracker as a Viam vision service.
// This file contains the tracking loop.
package tracker

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// RunOptions tune the tracking loop.
type RunOptions struct {
	// Frequency caps the number of frames processed per second. Zero means
	// frames are processed as fast as the source delivers them.
	Frequency float64
	// OnFrame is called after every processed frame.
	OnFrame func(Frame, FrameResult)
	Logger  logging.Logger
}

// Run is a (cancelable) loop that takes frames from src and feeds their
// observations to the engine. It returns nil when ctx is canceled or the source
// is exhausted, and an error when the source fails for good. Frames whose
// detection failed are skipped.
func Run(ctx context.Context, src ObservationSource, eng *Engine, opts RunOptions) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		start := time.Now()
		frame, err := src.Next(ctx)
		switch {
		case err == nil:
			res := eng.Process(ctx, frame.Observations)
			if opts.OnFrame != nil {
				opts.OnFrame(frame, res)
			}
		case ctx.Err() != nil, errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ErrDetectionFailed):
			if opts.Logger != nil {
				opts.Logger.Warnf("skipping frame: %v", err)
			}
		default:
			return err
		}

		if opts.Frequency <= 0 {
			continue
		}
		waitFor := time.Duration((1/opts.Frequency)*float64(time.Second)) - time.Since(start)
		if waitFor > time.Microsecond {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(waitFor):
			}
		}
	}
}
