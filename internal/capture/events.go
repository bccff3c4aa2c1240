package capture

import (
	"time"

	"github.com/petems/mictap/internal/device"
)

// EventType names a lifecycle event visible to UI consumers.
type EventType string

const (
	EventDeviceChanged            EventType = "device_changed"
	EventDeviceLost               EventType = "device_lost"
	EventPreferredDeviceAvailable EventType = "preferred_device_available"
	EventCalibrationComplete      EventType = "calibration_complete"
	EventTimeoutWarning           EventType = "timeout_warning"
	EventTimeoutReached           EventType = "timeout_reached"
)

// Event is one lifecycle notification.
type Event struct {
	Type      EventType           `json:"type"`
	At        time.Time           `json:"at"`
	SessionID string              `json:"session_id,omitempty"`
	Device    *device.InputDevice `json:"device,omitempty"`
	Detail    string              `json:"detail,omitempty"`
}

// LevelSample is the instantaneous loudness derived from one converted
// chunk. It is always computed from exactly the samples that entered the
// session buffer, so meters and the recording can never disagree.
type LevelSample struct {
	PeakDB float64   `json:"peak_db"`
	RMSDB  float64   `json:"rms_db"`
	At     time.Time `json:"at"`
}
