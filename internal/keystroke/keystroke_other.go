//go:build !linux

package keystroke

import (
	"context"
)

// LinuxSource is unavailable on this platform.
type LinuxSource struct {
	BaseSource
}

// NewLinuxSource returns a source that always fails to start.
func NewLinuxSource(keyboard string, pointers []string, grab bool) *LinuxSource {
	return &LinuxSource{}
}

// Available returns false on unsupported platforms.
func (l *LinuxSource) Available() (bool, string) {
	return false, "input devices not implemented for this platform"
}

// Start returns an error on unsupported platforms.
func (l *LinuxSource) Start(ctx context.Context) error {
	return ErrNotAvailable
}

// Stop is a no-op on unsupported platforms.
func (l *LinuxSource) Stop() error {
	return nil
}

// FindKeyboardDevices returns no devices on unsupported platforms.
func FindKeyboardDevices() ([]string, error) {
	return nil, ErrNotAvailable
}

// FindPointerDevices returns no devices on unsupported platforms.
func FindPointerDevices() ([]string, error) {
	return nil, ErrNotAvailable
}

// VirtualKeyboard is unavailable on this platform.
type VirtualKeyboard struct{}

// OpenVirtualKeyboard returns ErrNotAvailable on unsupported platforms.
func OpenVirtualKeyboard(name string) (*VirtualKeyboard, error) {
	return nil, ErrNotAvailable
}

// Emit returns ErrNotAvailable.
func (v *VirtualKeyboard) Emit(ev Event) error { return ErrNotAvailable }

// Close is a no-op.
func (v *VirtualKeyboard) Close() error { return nil }
