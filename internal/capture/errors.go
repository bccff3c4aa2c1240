package capture

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionActive rejects a start while a session holds the engine.
	ErrSessionActive = errors.New("capture session already active")
	// ErrCancelled reports a session torn down by Cancel.
	ErrCancelled = errors.New("capture cancelled")
	// ErrTooShort reports a capture stopped before the minimum duration.
	ErrTooShort = errors.New("capture too short")
	// ErrSilent reports a capture judged silent by the proportion rule.
	ErrSilent = errors.New("capture silent")
)

// TooShortError carries the measured duration of a rejected capture.
type TooShortError struct {
	Elapsed time.Duration
	Min     time.Duration
	Device  string
}

func (e *TooShortError) Error() string {
	return fmt.Sprintf("capture too short: %v recorded on %q, minimum %v", e.Elapsed, e.Device, e.Min)
}

func (e *TooShortError) Unwrap() error { return ErrTooShort }

// SilentError carries the measured levels behind a silent verdict. The
// recording it accompanies is still valid; callers decide what to do
// with a silent take.
type SilentError struct {
	PeakDB      float64
	RMSDB       float64
	ThresholdDB float64
	Device      string
}

func (e *SilentError) Error() string {
	return fmt.Sprintf("capture silent: peak %.1f dB, rms %.1f dB on %q against threshold %.1f dB",
		e.PeakDB, e.RMSDB, e.Device, e.ThresholdDB)
}

func (e *SilentError) Unwrap() error { return ErrSilent }
