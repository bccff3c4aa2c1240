// Package calibration measures per-device ambient noise and derives the
// silence threshold capture finalization uses for that device. Profiles
// are keyed by device UID so they survive hardware reordering.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/mictap/internal/capture"
)

// ErrCalibrationFailed wraps any error that aborts a calibration run.
var ErrCalibrationFailed = errors.New("calibration failed")

const (
	// DefaultWindow is how long ambient noise is sampled.
	DefaultWindow = 3 * time.Second
	// DefaultOffsetDB is added to the measured ambient level to form the
	// silence threshold.
	DefaultOffsetDB = 5.0
)

// Options configure a Calibrator. Zero values take the defaults above.
type Options struct {
	// Engine runs the ambient capture. Required.
	Engine *capture.Engine
	// Store persists the derived profiles. Required.
	Store  *Store
	Logger zerolog.Logger

	Window   time.Duration
	OffsetDB float64
}

// Calibrator measures ambient noise through the normal capture path, so
// the stored profile reflects the exact conversion pipeline later
// recordings go through.
type Calibrator struct {
	engine *capture.Engine
	store  *Store
	log    zerolog.Logger
	window time.Duration
	offset float64
}

func New(opts Options) (*Calibrator, error) {
	if opts.Engine == nil {
		return nil, errors.New("calibration: Options.Engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("calibration: Options.Store is required")
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.OffsetDB == 0 {
		opts.OffsetDB = DefaultOffsetDB
	}
	return &Calibrator{
		engine: opts.Engine,
		store:  opts.Store,
		log:    opts.Logger.With().Str("component", "calibration").Logger(),
		window: opts.Window,
		offset: opts.OffsetDB,
	}, nil
}

// Calibrate samples ambient noise on the chosen device for the window,
// derives threshold = ambient + offset and persists the profile. The
// room is assumed quiet, so a silent verdict from the engine is the
// expected outcome, not a failure. deviceUID may be empty to calibrate
// whichever device the engine selects.
func (c *Calibrator) Calibrate(ctx context.Context, deviceUID string) (Profile, error) {
	sess, err := c.engine.Start(ctx, capture.StartOptions{DeviceUID: deviceUID})
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrCalibrationFailed, err)
	}
	dev := sess.Device()
	c.log.Info().Str("device", dev.Name).Dur("window", c.window).Msg("Measuring ambient noise")

	timer := time.NewTimer(c.window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-sess.Done():
		// Ended early: device loss finalized it, or something cancelled.
	case <-ctx.Done():
		sess.Cancel()
		return Profile{}, fmt.Errorf("%w: %w", ErrCalibrationFailed, ctx.Err())
	}

	rec, err := sess.Stop()
	if err != nil && !errors.Is(err, capture.ErrSilent) {
		return Profile{}, fmt.Errorf("%w: %w", ErrCalibrationFailed, err)
	}

	// Ambient level is the RMS over the whole window: mean energy, so a
	// stray bump does not dominate the way a peak would.
	p := Profile{
		DeviceUID:   dev.UID,
		DeviceName:  dev.Name,
		AmbientDB:   rec.Stats.RMSDB,
		ThresholdDB: rec.Stats.RMSDB + c.offset,
		MeasuredAt:  time.Now(),
	}
	if err := c.store.Put(p); err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrCalibrationFailed, err)
	}

	c.engine.Publish(capture.Event{
		Type:   capture.EventCalibrationComplete,
		Device: &dev,
		Detail: fmt.Sprintf("ambient %.1f dB, threshold %.1f dB", p.AmbientDB, p.ThresholdDB),
	})
	c.log.Info().
		Str("device", dev.Name).
		Float64("ambient_db", p.AmbientDB).
		Float64("threshold_db", p.ThresholdDB).
		Msg("Calibration complete")
	return p, nil
}

// Reset removes a device's profile; the device reverts to the global
// silence threshold.
func (c *Calibrator) Reset(deviceUID string) error {
	return c.store.Reset(deviceUID)
}
