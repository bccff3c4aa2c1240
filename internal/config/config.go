package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator for config files.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names, not Go field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}

type Config struct {
	Audio    AudioConfig   `json:"audio"`
	Capture  CaptureConfig `json:"capture"`
	Monitor  MonitorConfig `json:"monitor"`
	LogLevel string        `json:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
}

type AudioConfig struct {
	// PreferredDevice pins capture to a device UID; empty selects by score.
	PreferredDevice string `json:"preferred_device"`
	// LastGoodDevice is written back after each successful capture start.
	LastGoodDevice  string `json:"last_good_device"`
	WatchIntervalMs int    `json:"watch_interval_ms" validate:"omitempty,gte=250,lte=60000"`
}

type CaptureConfig struct {
	MinDurationMs      int     `json:"min_duration_ms" validate:"omitempty,gte=100,lte=10000"`
	WarnAfterSec       int     `json:"warn_after_sec" validate:"omitempty,gte=1,lte=3600"`
	MaxDurationSec     int     `json:"max_duration_sec" validate:"omitempty,gte=1,lte=3600"`
	SilenceThresholdDB float64 `json:"silence_threshold_db" validate:"omitempty,gte=-100,lte=0"`
	SilenceProportion  float64 `json:"silence_proportion" validate:"omitempty,gt=0,lte=1"`
}

type MonitorConfig struct {
	Addr string `json:"addr" validate:"omitempty,hostname_port"`
}

func (a AudioConfig) WatchInterval() time.Duration {
	return time.Duration(a.WatchIntervalMs) * time.Millisecond
}

func (c CaptureConfig) MinDuration() time.Duration {
	return time.Duration(c.MinDurationMs) * time.Millisecond
}

func (c CaptureConfig) WarnAfter() time.Duration {
	return time.Duration(c.WarnAfterSec) * time.Second
}

func (c CaptureConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationSec) * time.Second
}

// Load reads the config from disk or returns defaults
func Load() (*Config, error) {
	return loadFrom(Path())
}

func loadFrom(path string) (*Config, error) {
	// Default config
	cfg := &Config{
		Audio: AudioConfig{
			PreferredDevice: "",
			LastGoodDevice:  "",
			WatchIntervalMs: 2000,
		},
		Capture: CaptureConfig{
			MinDurationMs:      500,
			WarnAfterSec:       240,
			MaxDurationSec:     300,
			SilenceThresholdDB: -50,
			SilenceProportion:  0.95,
		},
		Monitor: MonitorConfig{
			Addr: "localhost:8452",
		},
		LogLevel: "info",
	}

	// Load existing config if it exists
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config at %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	return c.saveTo(Path())
}

func (c *Config) saveTo(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the platform-specific config file path
func Path() string {
	return filepath.Join(baseDir(), "mictap", "config.json")
}

// CalibrationPath returns the calibration profile file path, kept beside
// the config
func CalibrationPath() string {
	return filepath.Join(baseDir(), "mictap", "calibration.json")
}

func baseDir() string {
	switch runtime.GOOS {
	case "darwin":
		return os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		return os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return xdg
		}
		return os.Getenv("HOME") + "/.config"
	}
}
