package iocp

import "golang.org/x/sys/windows"

// SetFastOpen enables TCP Fast Open on s. On a listener, it must be called
// before listening. On a client socket, it must be called before
// [Operation.StartConnectWithData] for the data to travel in the SYN.
func SetFastOpen(s windows.Handle) error {
	return wrapSyscallError("setsockopt(TCP_FASTOPEN)", windows.SetsockoptInt(s, windows.IPPROTO_TCP, windows.TCP_FASTOPEN, 1))
}

// SetNoDelay controls Nagle's algorithm on s.
func SetNoDelay(s windows.Handle, noDelay bool) error {
	return wrapSyscallError("setsockopt(TCP_NODELAY)", windows.SetsockoptInt(s, windows.IPPROTO_TCP, windows.TCP_NODELAY, boolint(noDelay)))
}

// SetIPv6Only controls whether an AF_INET6 socket also accepts IPv4-mapped
// traffic. It does nothing for other families.
func SetIPv6Only(s windows.Handle, family int, ipv6only bool) error {
	if family != AF_INET6 {
		return nil
	}
	return wrapSyscallError("setsockopt(IPV6_V6ONLY)", windows.SetsockoptInt(s, windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, boolint(ipv6only)))
}

func boolint(b bool) int {
	if b {
		return 1
	}
	return 0
}
