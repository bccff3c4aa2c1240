// Package capture runs bounded microphone capture sessions: it selects
// hardware, negotiates formats, converts everything to a canonical mono
// 16 kHz stream and hands finalized recordings to downstream consumers
// while feeding live levels and lifecycle events to UI surfaces.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/buffer"
	"github.com/petems/mictap/internal/device"
	"github.com/petems/mictap/internal/format"
)

// ThresholdSource resolves a per-device silence threshold, typically
// backed by the calibration profile store.
type ThresholdSource interface {
	ThresholdFor(deviceUID string) (float64, bool)
}

// Defaults applied to Options fields left zero.
const (
	DefaultSilenceThresholdDB = -50.0
	DefaultSilenceProportion  = 0.95
	DefaultMinDuration        = 500 * time.Millisecond
	DefaultWarnAfter          = 4 * time.Minute
	DefaultMaxDuration        = 5 * time.Minute
	DefaultWatchInterval      = 2 * time.Second

	levelBufferSize = 64
	eventBufferSize = 16
)

// Options configure an Engine. Zero values take the defaults above; a
// negative WatchInterval disables the hot-plug watcher.
type Options struct {
	// Host is the audio backend. Required.
	Host   audio.Host
	Logger zerolog.Logger

	// PreferredDeviceUID pins selection to an explicit user choice.
	PreferredDeviceUID string
	// LastGoodDeviceUID seeds the selection cache, typically from config.
	LastGoodDeviceUID string
	// RememberDevice, when set, is called after each successful session
	// start so the selection cache can be persisted.
	RememberDevice func(uid string)

	// Thresholds resolves per-device silence thresholds. Optional.
	Thresholds ThresholdSource

	SilenceThresholdDB float64
	SilenceProportion  float64
	MinDuration        time.Duration
	WarnAfter          time.Duration
	MaxDuration        time.Duration
	WatchInterval      time.Duration
}

func applyDefaults(o *Options) {
	if o.SilenceThresholdDB == 0 {
		o.SilenceThresholdDB = DefaultSilenceThresholdDB
	}
	if o.SilenceProportion == 0 {
		o.SilenceProportion = DefaultSilenceProportion
	}
	if o.MinDuration == 0 {
		o.MinDuration = DefaultMinDuration
	}
	if o.WarnAfter == 0 {
		o.WarnAfter = DefaultWarnAfter
	}
	if o.MaxDuration == 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.WatchInterval == 0 {
		o.WatchInterval = DefaultWatchInterval
	}
}

// StartOptions tune a single session; zero values inherit the engine's.
type StartOptions struct {
	// DeviceUID overrides device selection for this session.
	DeviceUID string
	// MaxDuration overrides the hard stop for this session.
	MaxDuration time.Duration
}

// Engine coordinates the single capture session, the hot-plug watcher
// and the timeout guard. All transitions are serialized through one
// mutex; the audio callback never takes it.
type Engine struct {
	host audio.Host
	reg  *device.Registry
	neg  *format.Negotiator
	opts Options
	log  zerolog.Logger

	levels    *bus[LevelSample]
	events    *bus[Event]
	lastLevel atomic.Pointer[LevelSample]

	mu       sync.Mutex
	sess     *Session
	lastGood string

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New builds an Engine around the given host and starts the hot-plug
// watcher. The engine holds no streams until Start.
func New(opts Options) (*Engine, error) {
	if opts.Host == nil {
		return nil, errors.New("capture: Options.Host is required")
	}
	applyDefaults(&opts)

	e := &Engine{
		host:     opts.Host,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "capture").Logger(),
		levels:   newBus[LevelSample](),
		events:   newBus[Event](),
		lastGood: opts.LastGoodDeviceUID,
	}
	e.reg = device.NewRegistry(opts.Host, e.log)
	e.neg = format.NewNegotiator(opts.Host, e.log)

	if opts.WatchInterval > 0 {
		w := device.NewWatcher(e.reg, opts.WatchInterval, e.log)
		ctx, cancel := context.WithCancel(context.Background())
		e.watchCancel = cancel
		e.watchDone = make(chan struct{})
		go w.Run(ctx)
		go e.watchLoop(ctx, w)
	}
	return e, nil
}

// Devices enumerates input devices, best score first.
func (e *Engine) Devices() ([]device.InputDevice, error) {
	return e.reg.Enumerate()
}

// SubscribeLevels delivers the live loudness feed. Slow consumers drop
// samples rather than stalling the audio callback.
func (e *Engine) SubscribeLevels() (<-chan LevelSample, func()) {
	return e.levels.subscribe(levelBufferSize)
}

// SubscribeEvents delivers lifecycle events.
func (e *Engine) SubscribeEvents() (<-chan Event, func()) {
	return e.events.subscribe(eventBufferSize)
}

// LastLevel returns the most recent level sample, if any.
func (e *Engine) LastLevel() (LevelSample, bool) {
	if l := e.lastLevel.Load(); l != nil {
		return *l, true
	}
	return LevelSample{}, false
}

// Publish emits a lifecycle event on behalf of a collaborating
// component, such as the calibrator.
func (e *Engine) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.events.publish(ev)
}

func (e *Engine) publishLevel(level LevelSample) {
	l := level
	e.lastLevel.Store(&l)
	e.levels.publish(level)
}

// publishEvent stamps and emits an event. Caller holds the engine lock.
func (e *Engine) publishEvent(ev Event) {
	ev.At = time.Now()
	if ev.SessionID == "" && e.sess != nil {
		ev.SessionID = e.sess.ID
	}
	e.events.publish(ev)
}

// Start begins the single capture session. Device and format
// preconditions are checked before any engine state changes, so failures
// there leave nothing behind to clean up. Cancelling ctx cancels the
// session.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess != nil {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionActive, e.sess.ID, e.sess.State())
	}

	preferred := e.opts.PreferredDeviceUID
	if opts.DeviceUID != "" {
		preferred = opts.DeviceUID
	}

	devices, err := e.reg.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	dev, err := device.SelectBest(preferred, e.lastGood, devices)
	if err != nil {
		return nil, err
	}

	f, err := e.neg.Negotiate(dev)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:     uuid.NewString(),
		engine: e,
		dev:    dev,
		format: f,
		buf:    buffer.New(e.log),
		done:   make(chan struct{}),
	}
	sess.conv.Store(newConverter(f))
	sess.setState(StatePreparing)

	log := e.log.With().Str("session", sess.ID).Str("device", dev.Name).Logger()
	log.Info().Stringer("format", f).Int("score", dev.Score).Msg("Preparing capture session")

	stream, err := e.host.OpenStream(dev.UID, audio.StreamSpec{SampleRate: f.SampleRate, Channels: f.Channels}, sess.onChunk)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture stream: %w", err)
	}
	sess.stream = stream

	if err := stream.Start(); err != nil {
		startErr := fmt.Errorf("failed to start capture stream: %w", err)
		if cerr := stream.Close(); cerr != nil {
			// Partial teardown: the stream handle is wedged. Park the
			// engine in Error until Reset or Cancel clears it.
			sess.setState(StateError)
			sess.finish(nil, startErr)
			e.sess = sess
			log.Error().Err(cerr).Msg("Stream close failed after failed start")
			return nil, startErr
		}
		return nil, startErr
	}

	sess.started = time.Now()
	sess.setState(StateCapturing)
	e.sess = sess

	maxDur := e.opts.MaxDuration
	if opts.MaxDuration > 0 {
		maxDur = opts.MaxDuration
	}
	if e.opts.WarnAfter < maxDur {
		sess.warnTimer = time.AfterFunc(e.opts.WarnAfter, func() { e.timeoutWarn(sess) })
	}
	sess.limitTimer = time.AfterFunc(maxDur, func() { e.timeoutStop(sess) })

	e.lastGood = dev.UID
	if e.opts.RememberDevice != nil {
		e.opts.RememberDevice(dev.UID)
	}

	go func() {
		select {
		case <-ctx.Done():
			sess.Cancel()
		case <-sess.done:
		}
	}()

	log.Info().Msg("Capturing")
	return sess, nil
}

func (e *Engine) stop(s *Session) (*buffer.Recording, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess != s || s.State() == StateError {
		// Already terminal (or parked in Error): memoized outcome.
		return s.result, s.resultErr
	}
	return e.stopLocked(s)
}

func (e *Engine) stopLocked(s *Session) (*buffer.Recording, error) {
	s.setState(StateStopping)
	s.stopTimers()

	if err := e.quiesce(s); err != nil {
		e.log.Warn().Err(err).Str("session", s.ID).Msg("Stream teardown reported errors")
	}

	elapsed := time.Since(s.started)
	e.sess = nil

	if elapsed < e.opts.MinDuration {
		s.setState(StateIdle)
		err := &TooShortError{Elapsed: elapsed, Min: e.opts.MinDuration, Device: s.dev.Name}
		e.log.Info().Dur("elapsed", elapsed).Str("session", s.ID).Msg("Capture discarded, too short")
		s.finish(nil, err)
		return nil, err
	}

	rec := s.buf.Finalize(buffer.FinalizeOptions{
		ThresholdDB:     e.thresholdFor(s.dev.UID),
		QuietProportion: e.opts.SilenceProportion,
	})
	s.setState(StateIdle)

	e.log.Info().
		Str("session", s.ID).
		Int("samples", rec.Stats.SampleCount).
		Dur("duration", rec.Stats.Duration).
		Float64("peak_db", rec.Stats.PeakDB).
		Float64("rms_db", rec.Stats.RMSDB).
		Bool("silent", rec.Stats.Silent).
		Msg("Capture finalized")

	if rec.Stats.Silent {
		err := &SilentError{
			PeakDB:      rec.Stats.PeakDB,
			RMSDB:       rec.Stats.RMSDB,
			ThresholdDB: rec.Stats.ThresholdDB,
			Device:      s.dev.Name,
		}
		s.finish(rec, err)
		return rec, err
	}

	s.finish(rec, nil)
	return rec, nil
}

func (e *Engine) cancel(s *Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess != s {
		return nil
	}
	e.cancelLocked(s, "caller request")
	return nil
}

func (e *Engine) cancelLocked(s *Session, reason string) {
	s.setState(StateStopping)
	s.stopTimers()
	if err := e.quiesce(s); err != nil {
		e.log.Warn().Err(err).Str("session", s.ID).Msg("Stream teardown reported errors")
	}
	e.sess = nil
	s.setState(StateIdle)
	s.finish(nil, ErrCancelled)
	e.log.Info().Str("session", s.ID).Str("reason", reason).Msg("Capture cancelled")
}

// Reset forcibly converges the engine to Idle, clearing an Error-state
// session and whatever teardown was left incomplete. Safe when already
// idle.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess == nil {
		return nil
	}
	e.cancelLocked(e.sess, "engine reset")
	return nil
}

// quiesce stops and closes the session stream; both steps always run.
func (e *Engine) quiesce(s *Session) error {
	if s.stream == nil {
		return nil
	}
	err := errors.Join(s.stream.Stop(), s.stream.Close())
	s.stream = nil
	return err
}

func (e *Engine) thresholdFor(uid string) float64 {
	if e.opts.Thresholds != nil {
		if db, ok := e.opts.Thresholds.ThresholdFor(uid); ok {
			return db
		}
	}
	return e.opts.SilenceThresholdDB
}

func (e *Engine) timeoutWarn(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess != s || s.State() != StateCapturing {
		return
	}
	e.log.Warn().Str("session", s.ID).Dur("elapsed", time.Since(s.started)).Msg("Capture approaching time limit")
	e.publishEvent(Event{Type: EventTimeoutWarning, SessionID: s.ID})
}

func (e *Engine) timeoutStop(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess != s || s.State() != StateCapturing {
		return
	}
	e.log.Warn().Str("session", s.ID).Msg("Capture reached hard time limit, stopping")
	if _, err := e.stopLocked(s); err != nil {
		e.log.Warn().Err(err).Str("session", s.ID).Msg("Timed-out capture finalized with verdict")
	}
	e.publishEvent(Event{Type: EventTimeoutReached, SessionID: s.ID})
}

func (e *Engine) watchLoop(ctx context.Context, w *device.Watcher) {
	defer close(e.watchDone)
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-w.Events():
			e.handleTopology(change)
		}
	}
}

func (e *Engine) handleTopology(change device.TopologyChange) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range change.Added {
		if d.UID == e.opts.PreferredDeviceUID && (e.sess == nil || e.sess.dev.UID != d.UID) {
			dev := d
			e.publishEvent(Event{Type: EventPreferredDeviceAvailable, Device: &dev})
		}
	}

	if e.sess == nil || e.sess.State() != StateCapturing {
		return
	}
	for _, d := range change.Removed {
		if d.UID == e.sess.dev.UID {
			e.recoverDeviceLoss(d)
			return
		}
	}
}

// recoverDeviceLoss swaps the running session onto a fallback input
// after its device disappears. Buffered audio is kept; if no fallback
// exists the session finalizes early instead of dropping what it has.
func (e *Engine) recoverDeviceLoss(lost device.InputDevice) {
	s := e.sess
	log := e.log.With().Str("session", s.ID).Str("lost", lost.Name).Logger()
	log.Warn().Msg("Capture device lost")

	lostCopy := lost
	e.publishEvent(Event{Type: EventDeviceLost, SessionID: s.ID, Device: &lostCopy})

	if err := e.quiesce(s); err != nil {
		log.Warn().Err(err).Msg("Dead stream teardown reported errors")
	}

	fallback, err := e.fallbackDevice(lost.UID)
	if err == nil {
		var f format.CaptureFormat
		if f, err = e.neg.Negotiate(fallback); err == nil {
			err = e.attach(s, fallback, f)
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("No usable fallback device, finalizing capture early")
		if _, serr := e.stopLocked(s); serr != nil {
			log.Warn().Err(serr).Msg("Early finalize ended with verdict")
		}
		return
	}

	newCopy := s.dev
	e.publishEvent(Event{
		Type:      EventDeviceChanged,
		SessionID: s.ID,
		Device:    &newCopy,
		Detail:    "device lost, switched to fallback",
	})
	log.Info().Str("device", s.dev.Name).Msg("Capture continuing on fallback device")
}

func (e *Engine) fallbackDevice(excludeUID string) (device.InputDevice, error) {
	if d, err := e.reg.Default(); err == nil && d.UID != excludeUID {
		return d, nil
	}
	devices, err := e.reg.Enumerate()
	if err != nil {
		return device.InputDevice{}, err
	}
	var remaining []device.InputDevice
	for _, d := range devices {
		if d.UID != excludeUID {
			remaining = append(remaining, d)
		}
	}
	return device.SelectBest("", "", remaining)
}

// attach points the running session at a device: fresh converter state,
// new stream, same buffer.
func (e *Engine) attach(s *Session, dev device.InputDevice, f format.CaptureFormat) error {
	stream, err := e.host.OpenStream(dev.UID, audio.StreamSpec{SampleRate: f.SampleRate, Channels: f.Channels}, s.onChunk)
	if err != nil {
		return fmt.Errorf("failed to open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start capture stream: %w", err)
	}
	s.dev = dev
	s.format = f
	s.conv.Store(newConverter(f))
	s.stream = stream
	return nil
}

// Status is a point-in-time engine snapshot for observability surfaces.
type Status struct {
	State     string              `json:"state"`
	SessionID string              `json:"session_id,omitempty"`
	Device    *device.InputDevice `json:"device,omitempty"`
	Elapsed   time.Duration       `json:"elapsed_ns,omitempty"`
	Samples   int                 `json:"samples,omitempty"`
	LastLevel *LevelSample        `json:"last_level,omitempty"`
}

// Status reports the engine snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{State: StateIdle.String()}
	if e.sess != nil {
		st.State = e.sess.State().String()
		st.SessionID = e.sess.ID
		dev := e.sess.dev
		st.Device = &dev
		if !e.sess.started.IsZero() {
			st.Elapsed = time.Since(e.sess.started)
		}
		st.Samples = e.sess.buf.Len()
	}
	if l := e.lastLevel.Load(); l != nil {
		st.LastLevel = l
	}
	return st
}

// Close cancels any active session, stops the watcher and releases the
// host.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.sess != nil {
		e.cancelLocked(e.sess, "engine closing")
	}
	e.mu.Unlock()

	if e.watchCancel != nil {
		e.watchCancel()
		<-e.watchDone
	}
	return e.host.Close()
}
