package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := loadFrom(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	if cfg.Capture.SilenceThresholdDB != -50 {
		t.Errorf("SilenceThresholdDB = %v, want -50", cfg.Capture.SilenceThresholdDB)
	}
	if cfg.Capture.MaxDuration() != 5*time.Minute {
		t.Errorf("MaxDuration = %v, want 5m", cfg.Capture.MaxDuration())
	}
	if cfg.Capture.WarnAfter() != 4*time.Minute {
		t.Errorf("WarnAfter = %v, want 4m", cfg.Capture.WarnAfter())
	}
	if cfg.Audio.WatchInterval() != 2*time.Second {
		t.Errorf("WatchInterval = %v, want 2s", cfg.Audio.WatchInterval())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadOverlaysPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"audio": {"preferred_device": "Core Audio:Blue Yeti"}, "capture": {"max_duration_sec": 60}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadFrom(path)
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	if cfg.Audio.PreferredDevice != "Core Audio:Blue Yeti" {
		t.Errorf("PreferredDevice = %q", cfg.Audio.PreferredDevice)
	}
	if cfg.Capture.MaxDurationSec != 60 {
		t.Errorf("MaxDurationSec = %d, want 60", cfg.Capture.MaxDurationSec)
	}
	// Untouched fields keep their defaults.
	if cfg.Capture.MinDurationMs != 500 {
		t.Errorf("MinDurationMs = %d, want 500", cfg.Capture.MinDurationMs)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"proportion above one", `{"capture": {"silence_proportion": 1.5}}`, "silence_proportion"},
		{"threshold above zero", `{"capture": {"silence_threshold_db": 10}}`, "silence_threshold_db"},
		{"bad log level", `{"log_level": "loud"}`, "log_level"},
		{"bad monitor addr", `{"monitor": {"addr": "not an address"}}`, "addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := loadFrom(path)
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not name field %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, err := loadFrom(path)
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	cfg.Audio.LastGoodDevice = "Core Audio:Blue Yeti"
	if err := cfg.saveTo(path); err != nil {
		t.Fatalf("saveTo: %v", err)
	}

	loaded, err := loadFrom(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Audio.LastGoodDevice != "Core Audio:Blue Yeti" {
		t.Errorf("LastGoodDevice = %q after round trip", loaded.Audio.LastGoodDevice)
	}
}
