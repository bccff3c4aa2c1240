// Package audio is the boundary to the operating system audio subsystem.
// Everything above it (device ranking, format negotiation, capture
// sessions) talks to Host and never to a driver API directly.
package audio

// DeviceInfo describes an input device as reported by the host.
type DeviceInfo struct {
	// UID is a stable identifier that survives device reordering.
	UID               string
	Name              string
	HostAPI           string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// FormatDescription is one stream format a device can be opened with.
type FormatDescription struct {
	SampleRate float64
	Channels   int
	BitDepth   int
	PCM        bool
}

// StreamSpec is the format a capture stream is opened at.
type StreamSpec struct {
	SampleRate float64
	Channels   int
}

// ChunkFunc receives interleaved float32 samples on the host's audio
// thread. Implementations must not block; the slice is only valid for
// the duration of the call.
type ChunkFunc func(samples []float32)

// Stream is one open capture stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Host abstracts the audio backend.
type Host interface {
	// Devices lists the current input devices.
	Devices() ([]DeviceInfo, error)
	// DefaultInputDevice reports the system default input.
	DefaultInputDevice() (DeviceInfo, error)
	// Formats lists the stream formats a device accepts. An empty list
	// means the host could not query them.
	Formats(uid string) ([]FormatDescription, error)
	// OpenStream opens an input-only capture stream; the callback fires
	// regardless of how the system routes playback.
	OpenStream(uid string, spec StreamSpec, fn ChunkFunc) (Stream, error)
	Close() error
}
