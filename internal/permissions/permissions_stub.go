//go:build !darwin

package permissions

// EnsurePermissions is a no-op on platforms without a microphone
// permission model; the audio host simply fails to open a stream when
// access is blocked.
func EnsurePermissions() error {
	return nil
}
