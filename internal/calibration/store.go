package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Profile is one device's measured ambient noise and derived silence
// threshold.
type Profile struct {
	DeviceUID   string    `json:"device_uid"`
	DeviceName  string    `json:"device_name,omitempty"`
	AmbientDB   float64   `json:"ambient_db"`
	ThresholdDB float64   `json:"threshold_db"`
	MeasuredAt  time.Time `json:"measured_at"`
}

// Store persists profiles as one JSON file and serves them to the
// capture engine as its ThresholdSource.
type Store struct {
	path string
	log  zerolog.Logger

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStore loads the profile file at path. A missing file is an empty
// store, not an error.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		log:      log.With().Str("component", "calibration").Logger(),
		profiles: make(map[string]Profile),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration profiles: %w", err)
	}
	if err := json.Unmarshal(data, &s.profiles); err != nil {
		return nil, fmt.Errorf("failed to parse calibration profiles: %w", err)
	}
	s.log.Debug().Int("profiles", len(s.profiles)).Str("path", path).Msg("Loaded calibration profiles")
	return s, nil
}

// ThresholdFor implements the engine's ThresholdSource lookup.
func (s *Store) ThresholdFor(deviceUID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[deviceUID]
	if !ok {
		return 0, false
	}
	return p.ThresholdDB, true
}

// Get returns the stored profile for a device.
func (s *Store) Get(deviceUID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[deviceUID]
	return p, ok
}

// Put stores a profile and rewrites the file.
func (s *Store) Put(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.DeviceUID] = p
	return s.save()
}

// Reset removes a device's profile. Removing an absent profile is a
// no-op.
func (s *Store) Reset(deviceUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[deviceUID]; !ok {
		return nil
	}
	delete(s.profiles, deviceUID)
	return s.save()
}

// save rewrites the profile file. Caller holds the lock.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create calibration dir: %w", err)
	}
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}
