// Package audiotest provides an in-memory audio.Host for exercising
// capture paths without hardware. Tests mutate the device table to
// simulate hot-plug and call Feed on streams to stand in for the host
// audio thread.
package audiotest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petems/mictap/internal/audio"
)

// Host is a fake audio.Host.
type Host struct {
	mu       sync.Mutex
	devices  []audio.DeviceInfo
	formats  map[string][]audio.FormatDescription
	streams  []*Stream
	openErr  error
	startErr error
	closeErr error
	closed   bool
}

// NewHost returns a fake host seeded with the given devices.
func NewHost(devices ...audio.DeviceInfo) *Host {
	return &Host{
		devices: append([]audio.DeviceInfo(nil), devices...),
		formats: make(map[string][]audio.FormatDescription),
	}
}

// AddDevice plugs a device in.
func (h *Host) AddDevice(d audio.DeviceInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = append(h.devices, d)
}

// RemoveDevice unplugs the device with the given UID.
func (h *Host) RemoveDevice(uid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.devices[:0]
	for _, d := range h.devices {
		if d.UID != uid {
			kept = append(kept, d)
		}
	}
	h.devices = kept
}

// SetFormats fixes the format list reported for a device.
func (h *Host) SetFormats(uid string, formats ...audio.FormatDescription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.formats[uid] = formats
}

// SetOpenErr makes OpenStream fail until cleared with a nil error.
func (h *Host) SetOpenErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openErr = err
}

// SetStartErr makes Stream.Start fail until cleared.
func (h *Host) SetStartErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startErr = err
}

// SetCloseErr makes Stream.Close fail until cleared.
func (h *Host) SetCloseErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeErr = err
}

func (h *Host) Devices() ([]audio.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]audio.DeviceInfo(nil), h.devices...), nil
}

func (h *Host) DefaultInputDevice() (audio.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.devices {
		if d.Default {
			return d, nil
		}
	}
	return audio.DeviceInfo{}, errors.New("no default input device")
}

func (h *Host) Formats(uid string) ([]audio.FormatDescription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.formats[uid], nil
}

func (h *Host) OpenStream(uid string, spec audio.StreamSpec, fn audio.ChunkFunc) (audio.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.openErr != nil {
		return nil, h.openErr
	}
	found := false
	for _, d := range h.devices {
		if d.UID == uid {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("device not found: %s", uid)
	}

	s := &Stream{host: h, uid: uid, spec: spec, fn: fn}
	h.streams = append(h.streams, s)
	return s, nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether Close was called.
func (h *Host) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// OpenCount reports how many streams were ever opened.
func (h *Host) OpenCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// LastStream returns the most recently opened stream, or nil.
func (h *Host) LastStream() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.streams) == 0 {
		return nil
	}
	return h.streams[len(h.streams)-1]
}

// Stream is a fake capture stream driven by the test.
type Stream struct {
	host    *Host
	uid     string
	spec    audio.StreamSpec
	fn      audio.ChunkFunc
	mu      sync.Mutex
	started bool
	closed  bool
}

// UID reports the device the stream was opened on.
func (s *Stream) UID() string { return s.uid }

// Spec reports the format the stream was opened at.
func (s *Stream) Spec() audio.StreamSpec { return s.spec }

// Started reports whether the stream is running.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Stream) Start() error {
	s.host.mu.Lock()
	err := s.host.startErr
	s.host.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.started = true
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *Stream) Close() error {
	s.host.mu.Lock()
	err := s.host.closeErr
	s.host.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.closed = true
	return nil
}

// Feed delivers one chunk to the stream callback on the caller's
// goroutine, standing in for the host audio thread. Chunks fed to a
// stopped or closed stream are dropped, as a real driver would.
func (s *Stream) Feed(samples []float32) {
	s.mu.Lock()
	ok := s.started && !s.closed
	s.mu.Unlock()
	if ok {
		s.fn(samples)
	}
}
