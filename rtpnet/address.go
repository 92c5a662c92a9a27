package rtpnet

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// HashSize is the bucket count used for address keyed tables
const HashSize = 8317

// MaxByteAddressLength is the longest host accepted by NewByteAddress
const MaxByteAddressLength = 128

// AddressKind identifies the variant held by an Address
type AddressKind int

const (
	IPv4Address AddressKind = iota
	IPv6Address
	ByteAddress
	SocketAddress
)

func (k AddressKind) String() string {
	switch k {
	case IPv4Address:
		return "ipv4"
	case IPv6Address:
		return "ipv6"
	case ByteAddress:
		return "bytes"
	case SocketAddress:
		return "socket"
	}
	return "unknown"
}

// Address is an RTP endpoint: a host of one of several kinds plus an RTP
// port and the port RTCP is sent to. Address is a comparable value.
//
// Equal and SameHost never look at the RTCP send port. Received packets
// are identified by the sender's RTP port alone.
type Address struct {
	kind     AddressKind
	ip       netip.Addr
	host     [MaxByteAddressLength]byte
	hostLen  int
	socket   int
	port     uint16
	rtcpPort uint16
}

// NewIPv4Address creates an address from a host order IPv4 address
func NewIPv4Address(ip uint32, port uint16) Address {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return Address{kind: IPv4Address, ip: netip.AddrFrom4(b), port: port, rtcpPort: port + 1}
}

// ParseIPv4Address creates an address from a dotted quad
func ParseIPv4Address(s string, port uint16) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid IPv4 address %q: %w", s, err)
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return Address{}, fmt.Errorf("%q: %w", s, ErrInvalidAddressType)
	}
	return Address{kind: IPv4Address, ip: ip, port: port, rtcpPort: port + 1}, nil
}

// NewIPv6Address creates an IPv6 address
func NewIPv6Address(ip [16]byte, port uint16) Address {
	return Address{kind: IPv6Address, ip: netip.AddrFrom16(ip), port: port, rtcpPort: port + 1}
}

// NewByteAddress creates an address whose host is an opaque byte string
func NewByteAddress(host []byte, port uint16) (Address, error) {
	if len(host) > MaxByteAddressLength {
		return Address{}, fmt.Errorf("byte address of %d bytes: %w", len(host), ErrSpecifiedSizeTooBig)
	}
	a := Address{kind: ByteAddress, hostLen: len(host), port: port, rtcpPort: port + 1}
	copy(a.host[:], host)
	return a, nil
}

// NewSocketAddress creates an address identified only by a transport socket
func NewSocketAddress(socket int) Address {
	return Address{kind: SocketAddress, socket: socket}
}

// AddressFromUDP converts a UDP address, choosing IPv4 when possible
func AddressFromUDP(u *net.UDPAddr) (Address, error) {
	if u == nil {
		return Address{}, ErrInvalidAddressType
	}
	ip, ok := netip.AddrFromSlice(u.IP)
	if !ok {
		return Address{}, fmt.Errorf("udp address %v: %w", u, ErrInvalidAddressType)
	}
	ip = ip.Unmap()
	port := uint16(u.Port)
	if ip.Is4() {
		return Address{kind: IPv4Address, ip: ip, port: port, rtcpPort: port + 1}, nil
	}
	return Address{kind: IPv6Address, ip: ip, port: port, rtcpPort: port + 1}, nil
}

// WithRTCPMux returns a copy that sends RTCP to the RTP port
func (a Address) WithRTCPMux() Address {
	a.rtcpPort = a.port
	return a
}

// SetRTCPSendPort sets the port RTCP packets are sent to
func (a *Address) SetRTCPSendPort(port uint16) {
	a.rtcpPort = port
}

// Kind returns the address variant
func (a Address) Kind() AddressKind { return a.kind }

// Port returns the RTP port
func (a Address) Port() uint16 { return a.port }

// RTCPSendPort returns the port RTCP is sent to
func (a Address) RTCPSendPort() uint16 { return a.rtcpPort }

// IP returns the host of an IPv4 or IPv6 address
func (a Address) IP() netip.Addr { return a.ip }

// IPv4 returns the host order IPv4 address, or 0 for other kinds
func (a Address) IPv4() uint32 {
	if a.kind != IPv4Address {
		return 0
	}
	b := a.ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

// Bytes returns the host of a byte address
func (a Address) Bytes() []byte {
	return append([]byte(nil), a.host[:a.hostLen]...)
}

// Socket returns the socket identifier of a socket address
func (a Address) Socket() int { return a.socket }

// IsValid reports whether a was built by one of the constructors
func (a Address) IsValid() bool {
	switch a.kind {
	case IPv4Address, IPv6Address:
		return a.ip.IsValid()
	case ByteAddress, SocketAddress:
		return true
	}
	return false
}

// Equal reports whether a and b are the same endpoint: same kind, host and
// RTP port. Socket addresses compare by socket only.
func (a Address) Equal(b Address) bool {
	if a.kind == SocketAddress || b.kind == SocketAddress {
		return a.kind == b.kind && a.socket == b.socket
	}
	return a.SameHost(b) && a.port == b.port
}

// SameHost reports whether a and b have the same kind and host
func (a Address) SameHost(b Address) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case IPv4Address, IPv6Address:
		return a.ip == b.ip
	case ByteAddress:
		return a.hostLen == b.hostLen && a.host == b.host
	case SocketAddress:
		return a.socket == b.socket
	}
	return false
}

// UDPAddr returns the RTP endpoint as a UDP address
func (a Address) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(a.ip, a.port))
}

// RTCPUDPAddr returns the RTCP endpoint as a UDP address
func (a Address) RTCPUDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(a.ip, a.rtcpPort))
}

func (a Address) String() string {
	switch a.kind {
	case IPv4Address, IPv6Address:
		return net.JoinHostPort(a.ip.String(), strconv.Itoa(int(a.port)))
	case ByteAddress:
		return hex.EncodeToString(a.host[:a.hostLen]) + ":" + strconv.Itoa(int(a.port))
	case SocketAddress:
		return "socket:" + strconv.Itoa(a.socket)
	}
	return "invalid"
}

// IPv4Hash is the bucket index for an IPv4 host
func IPv4Hash(ip uint32) int {
	return int(ip % HashSize)
}

// IPv6Hash is the bucket index for an IPv6 host: the sum of its 16 bit words
func IPv6Hash(ip [16]byte) int {
	sum := 0
	for i := 0; i < 16; i += 2 {
		sum += int(binary.BigEndian.Uint16(ip[i:]))
	}
	return sum % HashSize
}

// HostHash is the bucket index for the host of a
func (a Address) HostHash() int {
	switch a.kind {
	case IPv4Address:
		return IPv4Hash(a.IPv4())
	case IPv6Address:
		return IPv6Hash(a.ip.As16())
	case ByteAddress:
		sum := 0
		for _, b := range a.host[:a.hostLen] {
			sum += int(b)
		}
		return sum % HashSize
	case SocketAddress:
		s := a.socket % HashSize
		if s < 0 {
			s += HashSize
		}
		return s
	}
	return 0
}
