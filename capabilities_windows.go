package iocp

import (
	"fmt"
	"sync"

	"github.com/database64128/iocp-go/winsock2"
	"golang.org/x/sys/windows"
)

// Capabilities is the table of extension entry points resolved at startup.
// It is immutable after [Initialize] returns it.
type Capabilities struct {
	acceptEx             uintptr
	connectEx            uintptr
	disconnectEx         uintptr
	getAcceptExSockaddrs uintptr
	cancelIoEx           bool
}

var loadCapabilities = sync.OnceValues(discoverCapabilities)

// Initialize resolves AcceptEx, ConnectEx, DisconnectEx and
// GetAcceptExSockaddrs, and checks whether CancelIoEx exists. Discovery runs once per
// process; later calls return the same table or the same error.
//
// The returned error wraps ErrCapabilityUnavailable when a required extension
// function cannot be resolved.
func Initialize() (*Capabilities, error) {
	return loadCapabilities()
}

func discoverCapabilities() (*Capabilities, error) {
	var data windows.WSAData
	if err := windows.WSAStartup(uint32(0x202), &data); err != nil {
		return nil, wrapSyscallError("WSAStartup", err)
	}

	s, err := windows.Socket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, wrapSyscallError("socket", err)
	}
	defer windows.Closesocket(s)

	var c Capabilities
	for _, ext := range [...]struct {
		name string
		guid *windows.GUID
		fn   *uintptr
	}{
		{"AcceptEx", &winsock2.WSAID_ACCEPTEX, &c.acceptEx},
		{"ConnectEx", &winsock2.WSAID_CONNECTEX, &c.connectEx},
		{"DisconnectEx", &winsock2.WSAID_DISCONNECTEX, &c.disconnectEx},
		{"GetAcceptExSockaddrs", &winsock2.WSAID_GETACCEPTEXSOCKADDRS, &c.getAcceptExSockaddrs},
	} {
		fn, err := winsock2.GetExtensionFunction(s, ext.guid)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCapabilityUnavailable, ext.name, wrapSyscallError("WSAIoctl", err))
		}
		*ext.fn = fn
	}

	c.cancelIoEx = winsock2.CancelIoExAvailable()
	return &c, nil
}

// PreciseCancel reports whether cancellation targets a single operation.
// Without CancelIoEx, cancelling one operation cancels every operation
// the calling thread issued on the same handle.
func (c *Capabilities) PreciseCancel() bool {
	return c.cancelIoEx
}

// cancel requests cancellation of the operation identified by o on h.
func (c *Capabilities) cancel(h windows.Handle, o *windows.Overlapped) error {
	if c.cancelIoEx {
		return windows.CancelIoEx(h, o)
	}
	return windows.CancelIo(h)
}
