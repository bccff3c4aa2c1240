package format

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/audio/audiotest"
	"github.com/petems/mictap/internal/device"
)

func TestSelectFormat(t *testing.T) {
	pcm48 := CaptureFormat{SampleRate: 48000, Channels: 1, BitDepth: 16, PCM: true}
	pcm441 := CaptureFormat{SampleRate: 44100, Channels: 2, BitDepth: 24, PCM: true}
	pcm96 := CaptureFormat{SampleRate: 96000, Channels: 1, BitDepth: 32, PCM: true}
	pcmMulti := CaptureFormat{SampleRate: 48000, Channels: 8, BitDepth: 24, PCM: true}
	compressed48 := CaptureFormat{SampleRate: 48000, Channels: 1, BitDepth: 16, PCM: false}

	tests := []struct {
		name       string
		candidates []CaptureFormat
		want       CaptureFormat
	}{
		{"48k beats 44.1k", []CaptureFormat{pcm441, pcm48}, pcm48},
		{"44.1k beats exotic", []CaptureFormat{pcm96, pcm441}, pcm441},
		{"mono beats multichannel at same rate", []CaptureFormat{pcmMulti, pcm48}, pcm48},
		{"pcm beats non-pcm at same rate", []CaptureFormat{compressed48, pcm441}, pcm441},
		{"higher depth breaks remaining ties", []CaptureFormat{
			{SampleRate: 48000, Channels: 1, BitDepth: 16, PCM: true},
			{SampleRate: 48000, Channels: 1, BitDepth: 24, PCM: true},
		}, CaptureFormat{SampleRate: 48000, Channels: 1, BitDepth: 24, PCM: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectFormat(tt.candidates)
			if err != nil {
				t.Fatalf("SelectFormat: %v", err)
			}
			if got != tt.want {
				t.Errorf("SelectFormat = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectFormatNonePCM(t *testing.T) {
	_, err := SelectFormat([]CaptureFormat{
		{SampleRate: 48000, Channels: 1, BitDepth: 16, PCM: false},
	})
	if !errors.Is(err, ErrNoCompatibleFormat) {
		t.Errorf("err = %v, want ErrNoCompatibleFormat", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		f       CaptureFormat
		wantErr bool
	}{
		{"valid", CaptureFormat{SampleRate: 48000, Channels: 1, BitDepth: 32, PCM: true}, false},
		{"zero rate", CaptureFormat{SampleRate: 0, Channels: 1, BitDepth: 32, PCM: true}, true},
		{"zero channels", CaptureFormat{SampleRate: 48000, Channels: 0, BitDepth: 32, PCM: true}, true},
		{"negative rate", CaptureFormat{SampleRate: -1, Channels: 1, BitDepth: 32, PCM: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.f)
			if tt.wantErr && !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("err = %v, want ErrInvalidFormat", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestQueryFormatsFallsBackToNominal(t *testing.T) {
	host := audiotest.NewHost(audio.DeviceInfo{UID: "ca:mic", Name: "Mic", MaxInputChannels: 1, DefaultSampleRate: 44100})
	n := NewNegotiator(host, zerolog.Nop())

	dev := device.InputDevice{UID: "ca:mic", Name: "Mic", SampleRate: 44100}
	formats := n.QueryFormats(dev)
	if len(formats) != 1 {
		t.Fatalf("got %d formats, want 1 nominal fallback", len(formats))
	}
	if formats[0].SampleRate != 44100 || formats[0].Channels != 1 || !formats[0].PCM {
		t.Errorf("fallback format = %v", formats[0])
	}
}

func TestNegotiate(t *testing.T) {
	host := audiotest.NewHost(audio.DeviceInfo{UID: "ca:mic", Name: "Mic", MaxInputChannels: 2, DefaultSampleRate: 96000})
	host.SetFormats("ca:mic",
		audio.FormatDescription{SampleRate: 96000, Channels: 2, BitDepth: 32, PCM: true},
		audio.FormatDescription{SampleRate: 48000, Channels: 2, BitDepth: 32, PCM: true},
	)
	n := NewNegotiator(host, zerolog.Nop())

	got, err := n.Negotiate(device.InputDevice{UID: "ca:mic", Name: "Mic", SampleRate: 96000})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.SampleRate != 48000 {
		t.Errorf("negotiated %v, want the standard 48k candidate", got)
	}
}

// A device with a broken nominal rate and no queryable formats must be
// rejected before any capture starts.
func TestNegotiateInvalidFallback(t *testing.T) {
	host := audiotest.NewHost(audio.DeviceInfo{UID: "ca:ghost", Name: "Ghost", MaxInputChannels: 1})
	n := NewNegotiator(host, zerolog.Nop())

	_, err := n.Negotiate(device.InputDevice{UID: "ca:ghost", Name: "Ghost", SampleRate: 0})
	if !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("err = %v, want ErrInvalidFormat", err)
	}
}
