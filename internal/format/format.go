// Package format negotiates the stream format a capture session opens
// with, before any engine state changes.
package format

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/device"
)

var (
	// ErrInvalidFormat flags a format no stream could ever open, such as
	// a zero sample rate or zero channels.
	ErrInvalidFormat = errors.New("invalid capture format")
	// ErrNoCompatibleFormat means the device offered nothing the capture
	// pipeline can consume.
	ErrNoCompatibleFormat = errors.New("no compatible capture format")
)

// CaptureFormat is one concrete stream format offered by a device.
type CaptureFormat struct {
	SampleRate float64 `json:"sample_rate"`
	Channels   int     `json:"channels"`
	BitDepth   int     `json:"bit_depth"`
	PCM        bool    `json:"pcm"`
}

func (f CaptureFormat) String() string {
	enc := "pcm"
	if !f.PCM {
		enc = "non-pcm"
	}
	return fmt.Sprintf("%.0fHz/%dch/%dbit/%s", f.SampleRate, f.Channels, f.BitDepth, enc)
}

// Priority ranks a format for selection: PCM above everything, the
// standard rates (48 kHz, then 44.1 kHz) above exotic ones, mono and
// stereo above multichannel, higher bit depth last.
func (f CaptureFormat) Priority() int {
	p := 0
	if f.PCM {
		p += 1_000_000
	}
	switch f.SampleRate {
	case 48000:
		p += 10_000
	case 44100:
		p += 9_000
	}
	if f.Channels == 1 || f.Channels == 2 {
		p += 100
	}
	p += f.BitDepth
	return p
}

// Validate rejects formats no stream could open.
func Validate(f CaptureFormat) error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %v", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: %d channels", ErrInvalidFormat, f.Channels)
	}
	return nil
}

// SelectFormat returns the best-priority PCM candidate.
func SelectFormat(candidates []CaptureFormat) (CaptureFormat, error) {
	var best CaptureFormat
	found := false
	for _, f := range candidates {
		if !f.PCM {
			continue
		}
		if !found || f.Priority() > best.Priority() {
			best = f
			found = true
		}
	}
	if !found {
		return CaptureFormat{}, fmt.Errorf("%w: %d candidates, none PCM", ErrNoCompatibleFormat, len(candidates))
	}
	return best, nil
}

// Negotiator resolves the stream format for a device.
type Negotiator struct {
	host audio.Host
	log  zerolog.Logger
}

// NewNegotiator creates a negotiator over the given host.
func NewNegotiator(host audio.Host, log zerolog.Logger) *Negotiator {
	return &Negotiator{host: host, log: log}
}

// QueryFormats lists a device's candidate formats. When the host reports
// none, the device's nominal rate is the single candidate.
func (n *Negotiator) QueryFormats(dev device.InputDevice) []CaptureFormat {
	descs, err := n.host.Formats(dev.UID)
	if err != nil {
		n.log.Warn().Err(err).Str("device", dev.Name).Msg("Format query failed, falling back to nominal rate")
	}

	formats := make([]CaptureFormat, 0, len(descs))
	for _, d := range descs {
		formats = append(formats, CaptureFormat{
			SampleRate: d.SampleRate,
			Channels:   d.Channels,
			BitDepth:   d.BitDepth,
			PCM:        d.PCM,
		})
	}
	if len(formats) == 0 {
		formats = append(formats, CaptureFormat{
			SampleRate: dev.SampleRate,
			Channels:   1,
			BitDepth:   32,
			PCM:        true,
		})
	}
	return formats
}

// Negotiate picks the format a session will open for the device: query,
// select, validate.
func (n *Negotiator) Negotiate(dev device.InputDevice) (CaptureFormat, error) {
	candidates := n.QueryFormats(dev)

	chosen, err := SelectFormat(candidates)
	if err != nil {
		return CaptureFormat{}, err
	}
	if err := Validate(chosen); err != nil {
		return CaptureFormat{}, err
	}

	n.log.Debug().
		Str("device", dev.Name).
		Stringer("format", chosen).
		Int("candidates", len(candidates)).
		Msg("Negotiated capture format")
	return chosen, nil
}
