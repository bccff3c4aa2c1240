package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

const framesPerBuffer = 512

// probeRates are checked beyond a device's nominal rate when reporting
// candidate formats; PortAudio has no format listing call of its own.
var probeRates = []float64{48000, 44100, 32000, 16000, 8000}

type portAudioHost struct {
	log zerolog.Logger
}

// NewPortAudioHost initializes PortAudio and returns a Host backed by it.
func NewPortAudioHost(log zerolog.Logger) (Host, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioHost{log: log}, nil
}

// DeviceUID builds a stable identifier for a device. PortAudio indexes
// shift as hardware comes and goes, so identity is host API plus name.
func DeviceUID(hostAPI, name string) string {
	return hostAPI + ":" + name
}

func (h *portAudioHost) Devices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	defaultDevice, _ := portaudio.DefaultInputDevice()

	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		result = append(result, describeDevice(d, d == defaultDevice))
	}
	return result, nil
}

func (h *portAudioHost) DefaultInputDevice() (DeviceInfo, error) {
	d, err := portaudio.DefaultInputDevice()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to get default input device: %w", err)
	}
	return describeDevice(d, true), nil
}

func describeDevice(d *portaudio.DeviceInfo, isDefault bool) DeviceInfo {
	hostAPI := ""
	if d.HostApi != nil {
		hostAPI = d.HostApi.Name
	}
	return DeviceInfo{
		UID:               DeviceUID(hostAPI, d.Name),
		Name:              d.Name,
		HostAPI:           hostAPI,
		MaxInputChannels:  d.MaxInputChannels,
		DefaultSampleRate: d.DefaultSampleRate,
		Default:           isDefault,
	}
}

func (h *portAudioHost) lookup(uid string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		hostAPI := ""
		if d.HostApi != nil {
			hostAPI = d.HostApi.Name
		}
		if d.MaxInputChannels > 0 && DeviceUID(hostAPI, d.Name) == uid {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", uid)
}

// Formats probes which input formats the device accepts, checking the
// nominal rate and the common rates with IsFormatSupported.
func (h *portAudioHost) Formats(uid string) ([]FormatDescription, error) {
	d, err := h.lookup(uid)
	if err != nil {
		return nil, err
	}

	rates := append([]float64{d.DefaultSampleRate}, probeRates...)
	seen := make(map[float64]bool)

	var result []FormatDescription
	for _, rate := range rates {
		if rate <= 0 || seen[rate] {
			continue
		}
		seen[rate] = true
		for _, channels := range []int{1, 2} {
			if channels > d.MaxInputChannels {
				continue
			}
			params := inputParams(d, rate, channels)
			if err := portaudio.IsFormatSupported(params, func([]float32) {}); err != nil {
				continue
			}
			result = append(result, FormatDescription{
				SampleRate: rate,
				Channels:   channels,
				BitDepth:   32,
				PCM:        true,
			})
		}
	}
	return result, nil
}

func inputParams(d *portaudio.DeviceInfo, rate float64, channels int) portaudio.StreamParameters {
	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   d,
			Channels: channels,
			Latency:  d.DefaultLowInputLatency,
		},
		SampleRate:      rate,
		FramesPerBuffer: framesPerBuffer,
	}
}

func (h *portAudioHost) OpenStream(uid string, spec StreamSpec, fn ChunkFunc) (Stream, error) {
	d, err := h.lookup(uid)
	if err != nil {
		return nil, err
	}

	// Input-only: no output device is attached, so the callback fires
	// without any playback routing in place.
	params := inputParams(d, spec.SampleRate, spec.Channels)
	stream, err := portaudio.OpenStream(params, func(in []float32) {
		fn(in)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	h.log.Debug().
		Str("device", uid).
		Float64("rate", spec.SampleRate).
		Int("channels", spec.Channels).
		Msg("Opened capture stream")

	return &portAudioStream{stream: stream}, nil
}

func (h *portAudioHost) Close() error {
	return portaudio.Terminate()
}

type portAudioStream struct {
	stream *portaudio.Stream
}

func (s *portAudioStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	return nil
}

func (s *portAudioStream) Stop() error {
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return nil
}

func (s *portAudioStream) Close() error {
	return s.stream.Close()
}
