package rtpnet

import (
	"fmt"
	"net"
)

// Destination is a send target derived from an Address. The UDP endpoints
// for RTP and RTCP are built once when the destination is created.
type Destination struct {
	addr Address
	rtp  *net.UDPAddr
	rtcp *net.UDPAddr
	hash int
}

// NewDestination creates a destination from an IPv4 or IPv6 address
func NewDestination(a Address) (Destination, error) {
	if a.Kind() != IPv4Address && a.Kind() != IPv6Address {
		return Destination{}, fmt.Errorf("destination %v: %w", a, ErrInvalidAddressType)
	}
	if !a.IsValid() {
		return Destination{}, fmt.Errorf("destination: %w", ErrInvalidAddressType)
	}
	return Destination{
		addr: a,
		rtp:  a.UDPAddr(),
		rtcp: a.RTCPUDPAddr(),
		hash: a.HostHash(),
	}, nil
}

// Address returns the address the destination was built from
func (d Destination) Address() Address { return d.addr }

// RTPAddr returns the RTP endpoint
func (d Destination) RTPAddr() *net.UDPAddr { return d.rtp }

// RTCPAddr returns the RTCP endpoint
func (d Destination) RTCPAddr() *net.UDPAddr { return d.rtcp }

// HashIndex returns the bucket index of the destination's host
func (d Destination) HashIndex() int { return d.hash }

// Equal compares host and RTP port
func (d Destination) Equal(o Destination) bool {
	return d.addr.Equal(o.addr)
}

func (d Destination) String() string {
	return fmt.Sprintf("%s (rtcp %d)", d.addr, d.addr.RTCPSendPort())
}

// NewDestinationTable returns a hash table of destinations
func NewDestinationTable() *HashTable[Destination] {
	return NewHashTable(HashSize, Destination.HashIndex, Destination.Equal)
}
