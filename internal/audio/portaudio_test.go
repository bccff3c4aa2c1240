package audio

import "testing"

func TestDeviceUID(t *testing.T) {
	tests := []struct {
		hostAPI string
		name    string
		want    string
	}{
		{"Core Audio", "MacBook Pro Microphone", "Core Audio:MacBook Pro Microphone"},
		{"ALSA", "default", "ALSA:default"},
		{"", "Blue Yeti", ":Blue Yeti"},
	}
	for _, tt := range tests {
		if got := DeviceUID(tt.hostAPI, tt.name); got != tt.want {
			t.Errorf("DeviceUID(%q, %q) = %q, want %q", tt.hostAPI, tt.name, got, tt.want)
		}
	}
}

// Reordering device indices must not change identity; only the host API
// and name feed the UID.
func TestDeviceUIDStableAcrossReorder(t *testing.T) {
	a := DeviceUID("Core Audio", "Blue Yeti")
	b := DeviceUID("Core Audio", "Blue Yeti")
	if a != b {
		t.Fatalf("same device produced different UIDs: %q vs %q", a, b)
	}
	if DeviceUID("Core Audio", "Blue Yeti") == DeviceUID("ALSA", "Blue Yeti") {
		t.Fatal("devices on different host APIs must not collide")
	}
}
