// Package device ranks and tracks microphone hardware so capture can pick
// a sensible input without user involvement.
package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/petems/mictap/internal/audio"
)

// ErrNoDevices is returned when enumeration finds no usable input
// hardware. It is raised before any engine state changes.
var ErrNoDevices = errors.New("no audio input devices available")

// Category classifies an input device by transport and build.
type Category string

const (
	CategoryBuiltIn      Category = "builtin"
	CategoryUSB          Category = "usb"
	CategoryProfessional Category = "professional"
	CategoryBluetooth    Category = "bluetooth"
	CategoryUnknown      Category = "unknown"
)

// InputDevice is a registry entry: host info plus ranking metadata.
type InputDevice struct {
	UID        string   `json:"uid"`
	Name       string   `json:"name"`
	HostAPI    string   `json:"host_api,omitempty"`
	Category   Category `json:"category"`
	SampleRate float64  `json:"sample_rate"`
	Channels   int      `json:"channels"`
	Default    bool     `json:"default"`
	Score      int      `json:"score"`
}

// Keyword tables, matched case-insensitively against device names.
var (
	bluetoothKeywords = []string{"airpods", "beats", "bluetooth", "headset", "hfp", "wireless"}

	professionalKeywords = []string{
		"focusrite", "scarlett", "clarett", "universal audio", "apollo",
		"motu", "rme", "babyface", "fireface", "audient", "apogee",
		"presonus", "steinberg", "rodecaster", "quantum",
	}

	usbKeywords = []string{"usb", "yeti", "snowball", "samson", "nt-usb", "at2020", "mv7", "elgato", "wave:"}

	builtinKeywords = []string{"built-in", "builtin", "internal", "macbook", "imac"}
)

// Classify tags a device by name keywords. Bluetooth wins over the other
// classes: a wireless headset advertising "USB" in its name is still a
// headset, and its input path still runs at telephony rates.
func Classify(name string) Category {
	n := strings.ToLower(name)
	for _, kw := range bluetoothKeywords {
		if strings.Contains(n, kw) {
			return CategoryBluetooth
		}
	}
	for _, kw := range professionalKeywords {
		if strings.Contains(n, kw) {
			return CategoryProfessional
		}
	}
	for _, kw := range usbKeywords {
		if strings.Contains(n, kw) {
			return CategoryUSB
		}
	}
	for _, kw := range builtinKeywords {
		if strings.Contains(n, kw) {
			return CategoryBuiltIn
		}
	}
	return CategoryUnknown
}

const (
	tierProfessional = 5
	tierUSB          = 4
	tierBuiltIn      = 3
	tierLowRate      = 2
	tierBluetooth    = 1

	// lowRateCutoff: hardware whose nominal rate is at or below the
	// canonical 16 kHz ranks below built-in regardless of class.
	lowRateCutoff = 16000
)

// Score ranks a device for automatic selection. Higher is better; ties
// inside a tier go to the higher nominal sample rate.
func Score(c Category, sampleRate float64) int {
	tier := tierBuiltIn
	switch c {
	case CategoryProfessional:
		tier = tierProfessional
	case CategoryUSB:
		tier = tierUSB
	case CategoryBluetooth:
		tier = tierBluetooth
	}
	if c != CategoryBluetooth && sampleRate <= lowRateCutoff {
		tier = tierLowRate
	}
	return tier*1_000_000 + int(sampleRate)
}

// Registry enumerates and ranks input devices. Every call queries the
// host live; there is no cached view to go stale across hot-plug.
type Registry struct {
	host audio.Host
	log  zerolog.Logger
}

// NewRegistry creates a registry over the given host.
func NewRegistry(host audio.Host, log zerolog.Logger) *Registry {
	return &Registry{host: host, log: log}
}

// Enumerate returns all input devices, best score first.
func (r *Registry) Enumerate() ([]InputDevice, error) {
	infos, err := r.host.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	devices := make([]InputDevice, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, describe(info))
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Score > devices[j].Score
	})
	return devices, nil
}

// Default returns the system default input device.
func (r *Registry) Default() (InputDevice, error) {
	info, err := r.host.DefaultInputDevice()
	if err != nil {
		return InputDevice{}, fmt.Errorf("failed to get default input device: %w", err)
	}
	return describe(info), nil
}

func describe(info audio.DeviceInfo) InputDevice {
	c := Classify(info.Name)
	return InputDevice{
		UID:        info.UID,
		Name:       info.Name,
		HostAPI:    info.HostAPI,
		Category:   c,
		SampleRate: info.DefaultSampleRate,
		Channels:   info.MaxInputChannels,
		Default:    info.Default,
		Score:      Score(c, info.DefaultSampleRate),
	}
}

// SelectBest picks the capture device: an explicit user choice wins, then
// the cached last-good device, then the highest score.
func SelectBest(preferredUID, lastGoodUID string, available []InputDevice) (InputDevice, error) {
	if len(available) == 0 {
		return InputDevice{}, ErrNoDevices
	}
	if preferredUID != "" {
		if d, ok := byUID(available, preferredUID); ok {
			return d, nil
		}
	}
	if lastGoodUID != "" {
		if d, ok := byUID(available, lastGoodUID); ok {
			return d, nil
		}
	}

	best := available[0]
	for _, d := range available[1:] {
		if d.Score > best.Score {
			best = d
		}
	}
	return best, nil
}

func byUID(devices []InputDevice, uid string) (InputDevice, bool) {
	for _, d := range devices {
		if d.UID == uid {
			return d, true
		}
	}
	return InputDevice{}, false
}
