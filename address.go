package iocp

import (
	"encoding/binary"
	"net"
	"net/netip"
	"strconv"

	"github.com/database64128/netx-go"
)

// Address families and the sizes of their wire-level socket address records.
const (
	AF_INET  = 2
	AF_INET6 = 23

	SizeofSockaddrInet4 = 16
	SizeofSockaddrInet6 = 28
)

// Address is a numeric endpoint in tuple form. A two-field address
// (host, port) is IPv4. A four-field address (host, port, flow info,
// scope id) is IPv6.
type Address struct {
	Host     string
	Port     uint16
	FlowInfo uint32
	ScopeID  uint32

	// IPv6 selects the four-field form.
	IPv6 bool
}

// Inet4 returns a two-field IPv4 address.
func Inet4(host string, port uint16) Address {
	return Address{Host: host, Port: port}
}

// Inet6 returns a four-field IPv6 address.
func Inet6(host string, port uint16, flowInfo, scopeID uint32) Address {
	return Address{Host: host, Port: port, FlowInfo: flowInfo, ScopeID: scopeID, IPv6: true}
}

// AddressFromAddrPort converts ap into tuple form. IPv4-mapped IPv6
// addresses keep the four-field form.
func AddressFromAddrPort(ap netip.AddrPort) Address {
	addr := ap.Addr()
	if addr.Is4() {
		return Inet4(addr.String(), ap.Port())
	}
	a := Inet6(addr.WithZone("").String(), ap.Port(), 0, 0)
	if zone := addr.Zone(); zone != "" {
		a.ScopeID = zoneToScopeID(zone)
	}
	return a
}

// Fields returns the tuple width of the address: 2 for IPv4, 4 for IPv6.
func (a Address) Fields() int {
	if a.IPv6 {
		return 4
	}
	return 2
}

// Family returns AF_INET or AF_INET6.
func (a Address) Family() int {
	if a.IPv6 {
		return AF_INET6
	}
	return AF_INET
}

func (a Address) String() string {
	host := a.Host
	if a.IPv6 && a.ScopeID != 0 {
		if zone := netx.ZoneCache.Name(int(a.ScopeID)); zone != "" {
			host += "%" + zone
		} else {
			host += "%" + strconv.FormatUint(uint64(a.ScopeID), 10)
		}
	}
	return net.JoinHostPort(host, strconv.FormatUint(uint64(a.Port), 10))
}

// AddrPort parses the host and returns the endpoint as a [netip.AddrPort].
func (a Address) AddrPort() (netip.AddrPort, error) {
	ip, err := a.parseHost()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if a.IPv6 && a.ScopeID != 0 && ip.Zone() == "" {
		ip = ip.WithZone(strconv.FormatUint(uint64(a.ScopeID), 10))
	}
	return netip.AddrPortFrom(ip, a.Port), nil
}

func (a Address) parseHost() (netip.Addr, error) {
	ip, err := netip.ParseAddr(a.Host)
	if err != nil {
		return netip.Addr{}, &net.AddrError{Err: "invalid IP address", Addr: a.Host}
	}
	if a.IPv6 {
		if !ip.Is6() {
			return netip.Addr{}, &net.AddrError{Err: "non-IPv6 address", Addr: a.Host}
		}
		return ip, nil
	}
	if !ip.Is4() {
		return netip.Addr{}, &net.AddrError{Err: "non-IPv4 address", Addr: a.Host}
	}
	return ip, nil
}

// Encode returns the wire-level socket address record for a:
// a 16-byte SOCKADDR_IN or a 28-byte SOCKADDR_IN6. The port is stored in
// network byte order. Flow info and scope id are stored as the host sees
// them. A zone in the host of an IPv6 address fills in a zero scope id.
func (a Address) Encode() ([]byte, error) {
	ip, err := a.parseHost()
	if err != nil {
		return nil, err
	}

	if !a.IPv6 {
		b := make([]byte, SizeofSockaddrInet4)
		binary.LittleEndian.PutUint16(b[0:], AF_INET)
		binary.BigEndian.PutUint16(b[2:], a.Port)
		ip4 := ip.As4()
		copy(b[4:8], ip4[:])
		return b, nil
	}

	scopeID := a.ScopeID
	if scopeID == 0 {
		if zone := ip.Zone(); zone != "" {
			scopeID = zoneToScopeID(zone)
			if scopeID == 0 {
				return nil, &net.AddrError{Err: "unknown zone", Addr: a.Host}
			}
		}
	}

	b := make([]byte, SizeofSockaddrInet6)
	binary.LittleEndian.PutUint16(b[0:], AF_INET6)
	binary.BigEndian.PutUint16(b[2:], a.Port)
	binary.LittleEndian.PutUint32(b[4:], a.FlowInfo)
	ip16 := ip.As16()
	copy(b[8:24], ip16[:])
	binary.LittleEndian.PutUint32(b[24:], scopeID)
	return b, nil
}

// DecodeSockaddr is the inverse of [Address.Encode].
func DecodeSockaddr(b []byte) (Address, error) {
	if len(b) < 2 {
		return Address{}, &net.AddrError{Err: "short socket address", Addr: strconv.Itoa(len(b)) + " bytes"}
	}
	switch family := binary.LittleEndian.Uint16(b); family {
	case AF_INET:
		if len(b) < SizeofSockaddrInet4 {
			return Address{}, &net.AddrError{Err: "short IPv4 socket address", Addr: strconv.Itoa(len(b)) + " bytes"}
		}
		ip := netip.AddrFrom4([4]byte(b[4:8]))
		return Inet4(ip.String(), binary.BigEndian.Uint16(b[2:])), nil
	case AF_INET6:
		if len(b) < SizeofSockaddrInet6 {
			return Address{}, &net.AddrError{Err: "short IPv6 socket address", Addr: strconv.Itoa(len(b)) + " bytes"}
		}
		ip := netip.AddrFrom16([16]byte(b[8:24]))
		return Inet6(
			ip.String(),
			binary.BigEndian.Uint16(b[2:]),
			binary.LittleEndian.Uint32(b[4:]),
			binary.LittleEndian.Uint32(b[24:]),
		), nil
	default:
		return Address{}, &net.AddrError{Err: "unsupported address family", Addr: strconv.Itoa(int(family))}
	}
}

// zoneToScopeID accepts both numeric zones and interface names.
// It returns 0 for unknown interfaces.
func zoneToScopeID(zone string) uint32 {
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	return uint32(netx.ZoneCache.Index(zone))
}
