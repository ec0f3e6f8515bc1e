package iocp

import (
	"errors"
	"net/netip"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// BindLocal binds socket s to an ephemeral port on the unspecified address
// without going through name resolution. fields is the tuple width of the
// address family: 2 for IPv4, 4 for IPv6.
func BindLocal(s windows.Handle, fields int) error {
	var sa windows.Sockaddr
	switch fields {
	case 2:
		sa = &windows.SockaddrInet4{}
	case 4:
		sa = &windows.SockaddrInet6{}
	default:
		return errors.New("expected tuple of length 2 or 4")
	}
	if err := windows.Bind(s, sa); err != nil {
		return newOpError("bind", errnoOf(err))
	}
	return nil
}

// SetCompletionNotificationModes controls whether the kernel queues a
// completion packet or sets the handle's event when a request on h completes
// synchronously. See FileSkipCompletionPortOnSuccess and FileSkipSetEventOnHandle.
func SetCompletionNotificationModes(h windows.Handle, flags uint8) error {
	if err := windows.SetFileCompletionNotificationModes(h, flags); err != nil {
		return newOpError("SetFileCompletionNotificationModes", errnoOf(err))
	}
	return nil
}

// UpdateAcceptContext makes socket as, accepted through AcceptEx on the
// listening socket ls, inherit the listener's properties. Without it,
// getpeername, getsockname and shutdown fail on as.
func UpdateAcceptContext(as, ls windows.Handle) error {
	return os.NewSyscallError("setsockopt(SO_UPDATE_ACCEPT_CONTEXT)", windows.Setsockopt(
		as,
		windows.SOL_SOCKET,
		windows.SO_UPDATE_ACCEPT_CONTEXT,
		(*byte)(unsafe.Pointer(&ls)),
		int32(unsafe.Sizeof(ls)),
	))
}

// UpdateConnectContext completes a ConnectEx on s so that getpeername,
// getsockname and shutdown work.
func UpdateConnectContext(s windows.Handle) error {
	return os.NewSyscallError("setsockopt(SO_UPDATE_CONNECT_CONTEXT)",
		windows.Setsockopt(s, windows.SOL_SOCKET, windows.SO_UPDATE_CONNECT_CONTEXT, nil, 0))
}

// Socket creates a non-inheritable TCP socket that supports overlapped I/O.
// family is AF_INET or AF_INET6.
func Socket(family int) (windows.Handle, error) {
	s, err := windows.WSASocket(int32(family), windows.SOCK_STREAM, windows.IPPROTO_TCP, nil, 0, windows.WSA_FLAG_OVERLAPPED|windows.WSA_FLAG_NO_HANDLE_INHERIT)
	if err != nil {
		return windows.InvalidHandle, os.NewSyscallError("WSASocket", err)
	}
	return s, nil
}

// somaxconn is SOMAXCONN on Windows.
const somaxconn = 0x7fffffff

// ListenConfig contains options for listening sockets.
type ListenConfig struct {
	// Backlog is the listen backlog. Zero lets the system pick a maximum.
	Backlog int

	// FastOpen enables TCP Fast Open on the listener.
	FastOpen bool

	// IPv6Only restricts an IPv6 listener to IPv6 traffic.
	// By default it also accepts IPv4-mapped connections.
	IPv6Only bool
}

// Listen creates a socket of the address's family, binds it to addr and
// starts listening. Use port 0 for an ephemeral port, and [LocalAddress]
// to find it.
func (lc ListenConfig) Listen(addr Address) (windows.Handle, error) {
	ap, err := addr.AddrPort()
	if err != nil {
		return windows.InvalidHandle, err
	}
	s, err := Socket(addr.Family())
	if err != nil {
		return windows.InvalidHandle, err
	}

	if err = lc.setOptions(s, addr.Family()); err != nil {
		windows.Closesocket(s)
		return windows.InvalidHandle, err
	}

	var sa windows.Sockaddr
	if addr.IPv6 {
		sa = &windows.SockaddrInet6{Port: int(ap.Port()), ZoneId: addr.ScopeID, Addr: ap.Addr().As16()}
	} else {
		sa = &windows.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	if err = windows.Bind(s, sa); err != nil {
		windows.Closesocket(s)
		return windows.InvalidHandle, wrapSyscallError("bind", err)
	}

	backlog := lc.Backlog
	if backlog == 0 {
		backlog = somaxconn
	}
	if err = windows.Listen(s, backlog); err != nil {
		windows.Closesocket(s)
		return windows.InvalidHandle, wrapSyscallError("listen", err)
	}
	return s, nil
}

func (lc ListenConfig) setOptions(s windows.Handle, family int) error {
	if err := SetIPv6Only(s, family, lc.IPv6Only); err != nil {
		return err
	}
	if lc.FastOpen {
		return SetFastOpen(s)
	}
	return nil
}

// Listen is ListenConfig{Backlog: backlog}.Listen(addr).
func Listen(addr Address, backlog int) (windows.Handle, error) {
	return ListenConfig{Backlog: backlog}.Listen(addr)
}

// LocalAddress returns the address s is bound to.
func LocalAddress(s windows.Handle) (Address, error) {
	sa, err := windows.Getsockname(s)
	if err != nil {
		return Address{}, wrapSyscallError("getsockname", err)
	}
	return addressFromSockaddr(sa)
}

// RemoteAddress returns the address of the peer s is connected to.
func RemoteAddress(s windows.Handle) (Address, error) {
	sa, err := windows.Getpeername(s)
	if err != nil {
		return Address{}, wrapSyscallError("getpeername", err)
	}
	return addressFromSockaddr(sa)
}

func addressFromSockaddr(sa windows.Sockaddr) (Address, error) {
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return AddressFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))), nil
	case *windows.SockaddrInet6:
		a := AddressFromAddrPort(netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)))
		a.ScopeID = sa.ZoneId
		return a, nil
	}
	return Address{}, errors.New("unsupported socket address type")
}
