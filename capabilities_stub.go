//go:build !windows

package iocp

// Capabilities is the table of extension entry points resolved at startup.
// It is empty on platforms without overlapped I/O.
type Capabilities struct{}

// Initialize returns ErrPlatformUnsupported on this platform.
func Initialize() (*Capabilities, error) {
	return nil, ErrPlatformUnsupported
}

// PreciseCancel always reports false on this platform.
func (c *Capabilities) PreciseCancel() bool {
	return false
}
