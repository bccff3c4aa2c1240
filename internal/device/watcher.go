package device

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TopologyChange describes one hot-plug transition.
type TopologyChange struct {
	Added   []InputDevice
	Removed []InputDevice
	At      time.Time
}

// Watcher reports device topology changes. The host layer exposes no
// change notifications, so changes are derived by polling and diffing
// enumerations; consumers only ever see the event contract.
type Watcher struct {
	reg      *Registry
	interval time.Duration
	log      zerolog.Logger
	events   chan TopologyChange
	known    map[string]InputDevice
	primed   bool
}

// NewWatcher creates a watcher polling at the given interval.
func NewWatcher(reg *Registry, interval time.Duration, log zerolog.Logger) *Watcher {
	return &Watcher{
		reg:      reg,
		interval: interval,
		log:      log,
		events:   make(chan TopologyChange, 8),
		known:    make(map[string]InputDevice),
	}
}

// Events delivers topology changes. Slow consumers lose changes rather
// than stalling the poll loop.
func (w *Watcher) Events() <-chan TopologyChange {
	return w.events
}

// Run polls until ctx is cancelled. The first poll primes the known set
// without emitting.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	devices, err := w.reg.Enumerate()
	if err != nil {
		w.log.Warn().Err(err).Msg("Device poll failed")
		return
	}

	current := make(map[string]InputDevice, len(devices))
	for _, d := range devices {
		current[d.UID] = d
	}

	var change TopologyChange
	for uid, d := range current {
		if _, ok := w.known[uid]; !ok {
			change.Added = append(change.Added, d)
		}
	}
	for uid, d := range w.known {
		if _, ok := current[uid]; !ok {
			change.Removed = append(change.Removed, d)
		}
	}
	w.known = current

	if !w.primed {
		w.primed = true
		return
	}
	if len(change.Added) == 0 && len(change.Removed) == 0 {
		return
	}
	change.At = time.Now()

	for _, d := range change.Added {
		w.log.Info().Str("device", d.Name).Str("uid", d.UID).Msg("Input device connected")
	}
	for _, d := range change.Removed {
		w.log.Info().Str("device", d.Name).Str("uid", d.UID).Msg("Input device disconnected")
	}

	select {
	case w.events <- change:
	default:
		// Drop if channel full (backpressure)
	}
}
