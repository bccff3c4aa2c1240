package capture

import (
	"sync/atomic"
	"time"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/buffer"
	"github.com/petems/mictap/internal/device"
	"github.com/petems/mictap/internal/format"
)

// State is the capture session lifecycle.
type State int32

const (
	StateIdle State = iota
	StatePreparing
	StateCapturing
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Session is one bounded capture, created by Engine.Start. It owns the
// buffer, the converter and the open stream; all transitions run through
// the engine's coordinator.
type Session struct {
	ID string

	engine *Engine
	state  atomic.Int32
	conv   atomic.Pointer[converter]
	buf    *buffer.Buffer

	// Guarded by engine.mu. The stream and device can change mid-capture
	// after a device-loss fallback.
	dev     device.InputDevice
	format  format.CaptureFormat
	stream  audio.Stream
	started time.Time

	warnTimer  *time.Timer
	limitTimer *time.Timer

	done      chan struct{}
	result    *buffer.Recording
	resultErr error
}

// State reports the session state. Safe from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Device reports the device currently feeding the session.
func (s *Session) Device() device.InputDevice {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.dev
}

// Format reports the negotiated source format currently in use.
func (s *Session) Format() format.CaptureFormat {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.format
}

// Elapsed reports wall-clock capture time so far.
func (s *Session) Elapsed() time.Duration {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Len reports canonical samples buffered so far.
func (s *Session) Len() int {
	return s.buf.Len()
}

// Done closes when the session reaches a terminal state, whether by
// Stop, Cancel, the timeout guard or unrecoverable device loss.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the memoized outcome once Done is closed.
func (s *Session) Result() (*buffer.Recording, error) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.result, s.resultErr
}

// Stop halts capture and finalizes the buffer. Captures shorter than the
// minimum duration are discarded with TooShortError; a silent verdict
// returns the valid recording together with a SilentError. Calling Stop
// on a session that already ended returns the memoized outcome.
func (s *Session) Stop() (*buffer.Recording, error) {
	return s.engine.stop(s)
}

// Cancel tears the session down and discards the buffer. It is safe
// from any goroutine, in any state, any number of times, and always
// converges to Idle.
func (s *Session) Cancel() error {
	return s.engine.cancel(s)
}

// onChunk is the single audio callback: convert, append, publish. It
// runs on the host audio thread and must never block, take the engine
// lock or touch I/O.
func (s *Session) onChunk(raw []float32) {
	if s.State() != StateCapturing {
		return
	}
	chunk := s.conv.Load().convert(raw, time.Now())
	if len(chunk.Samples) == 0 {
		return
	}
	s.buf.Append(chunk.Samples)
	s.engine.publishLevel(chunk.Level)
}

// finish memoizes the terminal outcome; the first one wins. Caller holds
// the engine lock.
func (s *Session) finish(rec *buffer.Recording, err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.result = rec
	s.resultErr = err
	close(s.done)
}

func (s *Session) stopTimers() {
	if s.warnTimer != nil {
		s.warnTimer.Stop()
	}
	if s.limitTimer != nil {
		s.limitTimer.Stop()
	}
}
