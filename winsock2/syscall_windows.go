// Package winsock2 exposes the Winsock extension functions and the few raw
// kernel32 entry points that golang.org/x/sys/windows does not wrap with the
// semantics overlapped I/O needs.
package winsock2

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Do the interface allocations only once for common
// Errno values.
const (
	errnoERROR_IO_PENDING = 997
)

var (
	errERROR_IO_PENDING error = syscall.Errno(errnoERROR_IO_PENDING)
	errERROR_EINVAL     error = syscall.EINVAL

	modws2_32          = windows.NewLazySystemDLL("ws2_32.dll")
	modkernel32        = windows.NewLazySystemDLL("kernel32.dll")
	procWSACreateEvent = modws2_32.NewProc("WSACreateEvent")
	procReadFile       = modkernel32.NewProc("ReadFile")
	procCancelIoEx     = modkernel32.NewProc("CancelIoEx")
)

// Extension function identifiers for SIO_GET_EXTENSION_FUNCTION_POINTER.
var (
	WSAID_ACCEPTEX             = windows.GUID{Data1: 0xb5367df1, Data2: 0xcbac, Data3: 0x11cf, Data4: [8]byte{0x95, 0xca, 0x00, 0x80, 0x5f, 0x48, 0xa1, 0x92}}
	WSAID_CONNECTEX            = windows.GUID{Data1: 0x25a207b9, Data2: 0xddf3, Data3: 0x4660, Data4: [8]byte{0x8e, 0xe9, 0x76, 0xe5, 0x8c, 0x74, 0x06, 0x3e}}
	WSAID_DISCONNECTEX         = windows.GUID{Data1: 0x7fda2e11, Data2: 0x8630, Data3: 0x436f, Data4: [8]byte{0xa0, 0x31, 0xf5, 0x36, 0xa6, 0xee, 0xc1, 0x57}}
	WSAID_GETACCEPTEXSOCKADDRS = windows.GUID{Data1: 0xb5367df2, Data2: 0xcbac, Data3: 0x11cf, Data4: [8]byte{0x95, 0xca, 0x00, 0x80, 0x5f, 0x48, 0xa1, 0x92}}
)

// errnoErr returns common boxed Errno values, to prevent
// allocations at runtime.
func errnoErr(e syscall.Errno) error {
	switch e {
	case 0:
		return errERROR_EINVAL
	case errnoERROR_IO_PENDING:
		return errERROR_IO_PENDING
	}
	return e
}

func WSACreateEvent() (windows.Handle, error) {
	efd, _, err := syscall.Syscall(procWSACreateEvent.Addr(), 0, 0, 0, 0)
	if efd == 0 {
		return 0, errnoErr(err)
	}
	return windows.Handle(efd), nil
}

// GetExtensionFunction resolves the extension function identified by guid
// for the provider behind socket s.
func GetExtensionFunction(s windows.Handle, guid *windows.GUID) (uintptr, error) {
	var fn uintptr
	var n uint32
	err := windows.WSAIoctl(
		s,
		windows.SIO_GET_EXTENSION_FUNCTION_POINTER,
		(*byte)(unsafe.Pointer(guid)),
		uint32(unsafe.Sizeof(*guid)),
		(*byte)(unsafe.Pointer(&fn)),
		uint32(unsafe.Sizeof(fn)),
		&n,
		nil,
		0,
	)
	if err != nil {
		return 0, err
	}
	return fn, nil
}

// CancelIoExAvailable reports whether kernel32 exports CancelIoEx.
func CancelIoExAvailable() bool {
	return procCancelIoEx.Find() == nil
}

// AcceptEx calls the AcceptEx extension function at fn.
func AcceptEx(fn uintptr, ls, as windows.Handle, buf *byte, rxdatalen, laddrlen, raddrlen uint32, recvd *uint32, overlapped *windows.Overlapped) error {
	r1, _, e1 := syscall.SyscallN(fn,
		uintptr(ls),
		uintptr(as),
		uintptr(unsafe.Pointer(buf)),
		uintptr(rxdatalen),
		uintptr(laddrlen),
		uintptr(raddrlen),
		uintptr(unsafe.Pointer(recvd)),
		uintptr(unsafe.Pointer(overlapped)),
	)
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

// ConnectEx calls the ConnectEx extension function at fn.
// sa must point to a SOCKADDR_IN or SOCKADDR_IN6 record of salen bytes.
func ConnectEx(fn uintptr, s windows.Handle, sa *byte, salen int32, sendBuf *byte, sendDataLen uint32, bytesSent *uint32, overlapped *windows.Overlapped) error {
	r1, _, e1 := syscall.SyscallN(fn,
		uintptr(s),
		uintptr(unsafe.Pointer(sa)),
		uintptr(salen),
		uintptr(unsafe.Pointer(sendBuf)),
		uintptr(sendDataLen),
		uintptr(unsafe.Pointer(bytesSent)),
		uintptr(unsafe.Pointer(overlapped)),
	)
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

// DisconnectEx calls the DisconnectEx extension function at fn.
func DisconnectEx(fn uintptr, s windows.Handle, overlapped *windows.Overlapped, flags uint32) error {
	r1, _, e1 := syscall.SyscallN(fn,
		uintptr(s),
		uintptr(unsafe.Pointer(overlapped)),
		uintptr(flags),
		0,
	)
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

// GetAcceptExSockaddrs calls the GetAcceptExSockaddrs extension function at fn
// to locate the local and remote addresses in an AcceptEx output buffer.
func GetAcceptExSockaddrs(fn uintptr, buf *byte, rxdatalen, laddrlen, raddrlen uint32, lrsa **windows.RawSockaddrAny, lrsalen *int32, rrsa **windows.RawSockaddrAny, rrsalen *int32) {
	syscall.SyscallN(fn,
		uintptr(unsafe.Pointer(buf)),
		uintptr(rxdatalen),
		uintptr(laddrlen),
		uintptr(raddrlen),
		uintptr(unsafe.Pointer(lrsa)),
		uintptr(unsafe.Pointer(lrsalen)),
		uintptr(unsafe.Pointer(rrsa)),
		uintptr(unsafe.Pointer(rrsalen)),
	)
}

// ReadFile is like windows.ReadFile, but takes the buffer pointer and length
// separately, so that a zero-length read can still pass a non-nil buffer.
func ReadFile(h windows.Handle, buf *byte, n uint32, done *uint32, overlapped *windows.Overlapped) error {
	r1, _, e1 := syscall.SyscallN(procReadFile.Addr(),
		uintptr(h),
		uintptr(unsafe.Pointer(buf)),
		uintptr(n),
		uintptr(unsafe.Pointer(done)),
		uintptr(unsafe.Pointer(overlapped)),
	)
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}
