package rtpnet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// MaxPacketSize is the largest UDP payload the transmitter handles
const MaxPacketSize = 65535

// ReceiveMode selects which senders' packets are delivered
type ReceiveMode int

const (
	// AcceptAll delivers every packet
	AcceptAll ReceiveMode = iota
	// AcceptSome delivers only packets from the accept list
	AcceptSome
	// IgnoreSome delivers everything except packets from the ignore list
	IgnoreSome
)

func (m ReceiveMode) String() string {
	switch m {
	case AcceptAll:
		return "accept_all"
	case AcceptSome:
		return "accept_some"
	case IgnoreSome:
		return "ignore_some"
	}
	return "unknown"
}

// ParseReceiveMode parses the names returned by String
func ParseReceiveMode(s string) (ReceiveMode, error) {
	switch s {
	case "", "accept_all":
		return AcceptAll, nil
	case "accept_some":
		return AcceptSome, nil
	case "ignore_some":
		return IgnoreSome, nil
	}
	return AcceptAll, fmt.Errorf("unknown receive mode %q", s)
}

// TransmitterParams configures a UDPTransmitter
type TransmitterParams struct {
	BindIP           net.IP         // default 0.0.0.0
	PortBase         uint16         // RTP port; RTCP uses PortBase+1. 0 picks free ports
	AllowOddPortBase bool           // permit an odd PortBase
	RTCPMux          bool           // RTP and RTCP share one socket
	MulticastTTL     int            // default 1
	Interface        *net.Interface // multicast interface, nil for the system default
	JoinLoopback     bool           // also join multicast groups on the loopback interface
	ReadBuffer       int            // socket receive buffer, default 1 MB
	MaxPacketSize    int            // default MaxPacketSize
	QueueLength      int            // received packet queue, default 256
}

// RawPacket is a received datagram
type RawPacket struct {
	Data        []byte
	Sender      Address
	ReceiveTime time.Time
	IsRTP       bool
}

// portList is the accept or ignore entry for one host. With all set the
// ports list holds exceptions.
type portList struct {
	all   bool
	ports []uint16
}

func (p *portList) contains(port uint16) bool {
	for _, q := range p.ports {
		if q == port {
			return true
		}
	}
	return false
}

func (p *portList) remove(port uint16) bool {
	for i, q := range p.ports {
		if q == port {
			p.ports = append(p.ports[:i], p.ports[i+1:]...)
			return true
		}
	}
	return false
}

// UDPTransmitter sends RTP and RTCP to a set of destinations and receives
// on its own ports, optionally joined to IPv4 multicast groups.
// All methods are safe for concurrent use.
type UDPTransmitter struct {
	params TransmitterParams

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	rtpPC    *ipv4.PacketConn
	rtcpPC   *ipv4.PacketConn
	rtpPort  uint16
	rtcpPort uint16
	loopback *net.Interface

	mu           sync.Mutex
	closed       bool
	localIPs     []uint32
	destinations *HashTable[Destination]
	groups       *HashTable[uint32]
	receiveMode  ReceiveMode
	acceptIgnore *KeyHashTable[uint32, portList]

	packets chan RawPacket
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewUDPTransmitter opens the RTP and RTCP sockets and starts receiving
func NewUDPTransmitter(params TransmitterParams) (*UDPTransmitter, error) {
	if params.MaxPacketSize == 0 {
		params.MaxPacketSize = MaxPacketSize
	}
	if params.MaxPacketSize > MaxPacketSize || params.MaxPacketSize < 0 {
		return nil, ErrSpecifiedSizeTooBig
	}
	if params.PortBase%2 != 0 && !params.AllowOddPortBase {
		return nil, ErrPortBaseNotEven
	}
	if params.PortBase == MaxPacketSize && !params.RTCPMux {
		return nil, ErrIllegalParameters
	}
	if params.MulticastTTL == 0 {
		params.MulticastTTL = 1
	}
	if params.ReadBuffer == 0 {
		params.ReadBuffer = 1024 * 1024
	}
	if params.QueueLength == 0 {
		params.QueueLength = 256
	}
	bindIP := params.BindIP
	if bindIP == nil {
		bindIP = net.IPv4zero
	}
	if bindIP.To4() == nil {
		return nil, fmt.Errorf("bind address %v: %w", bindIP, ErrInvalidAddressType)
	}

	t := &UDPTransmitter{
		params:       params,
		destinations: NewDestinationTable(),
		groups:       NewComparableHashTable(HashSize, IPv4Hash),
		acceptIgnore: NewKeyHashTable[uint32, portList](HashSize, IPv4Hash),
		packets:      make(chan RawPacket, params.QueueLength),
	}

	var err error
	t.rtpConn, err = listenUDP(bindIP, params.PortBase, params.ReadBuffer)
	if err != nil {
		return nil, fmt.Errorf("failed to bind RTP socket: %w", err)
	}
	t.rtpPort = uint16(t.rtpConn.LocalAddr().(*net.UDPAddr).Port)

	if params.RTCPMux {
		t.rtcpConn = t.rtpConn
		t.rtcpPort = t.rtpPort
	} else {
		rtcpPort := uint16(0)
		if params.PortBase != 0 {
			rtcpPort = params.PortBase + 1
		}
		t.rtcpConn, err = listenUDP(bindIP, rtcpPort, params.ReadBuffer)
		if err != nil {
			t.rtpConn.Close()
			return nil, fmt.Errorf("failed to bind RTCP socket: %w", err)
		}
		t.rtcpPort = uint16(t.rtcpConn.LocalAddr().(*net.UDPAddr).Port)
	}

	t.rtpPC = ipv4.NewPacketConn(t.rtpConn)
	t.rtcpPC = t.rtpPC
	if !params.RTCPMux {
		t.rtcpPC = ipv4.NewPacketConn(t.rtcpConn)
	}
	for _, pc := range t.packetConns() {
		if err := pc.SetMulticastTTL(params.MulticastTTL); err != nil {
			log.Printf("[RTP] Warning: failed to set multicast TTL: %v", err)
		}
		if err := pc.SetMulticastLoopback(true); err != nil {
			log.Printf("[RTP] Warning: failed to enable multicast loopback: %v", err)
		}
		if params.Interface != nil {
			if err := pc.SetMulticastInterface(params.Interface); err != nil {
				log.Printf("[RTP] Warning: failed to set multicast interface %s: %v", params.Interface.Name, err)
			}
		}
	}
	if params.JoinLoopback {
		t.loopback = findLoopback()
	}

	t.localIPs = localIPv4s(bindIP)

	t.wg.Add(1)
	go t.receiveLoop(t.rtpConn, true)
	if !params.RTCPMux {
		t.wg.Add(1)
		go t.receiveLoop(t.rtcpConn, false)
	}

	log.Printf("[RTP] Transmitter bound to %s (rtp %d, rtcp %d)", bindIP, t.rtpPort, t.rtcpPort)
	return t, nil
}

// listenUDP binds a UDP socket with SO_REUSEADDR and SO_REUSEPORT so that
// several receivers can share a multicast port
func listenUDP(ip net.IP, port uint16, readBuffer int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	conn, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, err
	}
	udpConn := conn.(*net.UDPConn)
	if err := udpConn.SetReadBuffer(readBuffer); err != nil {
		log.Printf("[RTP] Warning: failed to set read buffer size: %v", err)
	}
	return udpConn, nil
}

func findLoopback() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagLoopback != 0 && ifaces[i].Flags&net.FlagUp != 0 {
			return &ifaces[i]
		}
	}
	return nil
}

// localIPv4s lists the host order addresses packets from this host can carry
func localIPv4s(bindIP net.IP) []uint32 {
	var ips []uint32
	add := func(ip net.IP) {
		if v4 := ip.To4(); v4 != nil {
			ips = append(ips, uint32(v4[0])<<24|uint32(v4[1])<<16|uint32(v4[2])<<8|uint32(v4[3]))
		}
	}
	if !bindIP.IsUnspecified() {
		add(bindIP)
		return ips
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Printf("[RTP] Warning: failed to list local addresses: %v", err)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			add(ipn.IP)
		}
	}
	if len(ips) == 0 {
		add(net.IPv4(127, 0, 0, 1))
	}
	return ips
}

func (t *UDPTransmitter) packetConns() []*ipv4.PacketConn {
	if t.rtcpPC == t.rtpPC {
		return []*ipv4.PacketConn{t.rtpPC}
	}
	return []*ipv4.PacketConn{t.rtpPC, t.rtcpPC}
}

// LocalRTPPort returns the bound RTP port
func (t *UDPTransmitter) LocalRTPPort() uint16 { return t.rtpPort }

// LocalRTCPPort returns the bound RTCP port
func (t *UDPTransmitter) LocalRTCPPort() uint16 { return t.rtcpPort }

// Packets returns the received packet queue. It is closed by Close.
func (t *UDPTransmitter) Packets() <-chan RawPacket { return t.packets }

// Dropped returns the number of received packets dropped on a full queue
func (t *UDPTransmitter) Dropped() uint64 { return t.dropped.Load() }

func (t *UDPTransmitter) receiveLoop(conn *net.UDPConn, rtpSocket bool) {
	defer t.wg.Done()
	buf := make([]byte, MaxPacketSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			log.Printf("[RTP] Error reading UDP packet: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		recvTime := time.Now()

		sender, err := AddressFromUDP(src)
		if err != nil {
			continue
		}

		t.mu.Lock()
		accept := t.receiveMode == AcceptAll || t.shouldAcceptData(sender.IPv4(), sender.Port())
		t.mu.Unlock()
		if !accept {
			continue
		}

		isRTP := rtpSocket
		if t.params.RTCPMux {
			isRTP = true
			// RTCP packet types SR..APP share the second header byte with the RTP payload type
			if n > 4 && buf[1] >= 200 && buf[1] <= 204 {
				isRTP = false
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.packets <- RawPacket{Data: data, Sender: sender, ReceiveTime: recvTime, IsRTP: isRTP}:
		default:
			if t.dropped.Add(1)%1000 == 1 {
				log.Printf("[RTP] Warning: receive queue full, dropped %d packets", t.dropped.Load())
			}
		}
	}
}

// ComesFromThisTransmitter reports whether addr is one of this host's
// addresses with our RTP or RTCP port
func (t *UDPTransmitter) ComesFromThisTransmitter(addr Address) bool {
	if addr.Kind() != IPv4Address {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	ip := addr.IPv4()
	for _, l := range t.localIPs {
		if l == ip {
			return addr.Port() == t.rtpPort || addr.Port() == t.rtcpPort
		}
	}
	return false
}

// AddDestination adds an IPv4 send target
func (t *UDPTransmitter) AddDestination(addr Address) error {
	if addr.Kind() != IPv4Address {
		return ErrInvalidAddressType
	}
	d, err := NewDestination(addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransmitterClosed
	}
	return t.destinations.AddElement(d)
}

// DeleteDestination removes a send target
func (t *UDPTransmitter) DeleteDestination(addr Address) error {
	if addr.Kind() != IPv4Address {
		return ErrInvalidAddressType
	}
	d, err := NewDestination(addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destinations.DeleteElement(d)
}

// ClearDestinations removes every send target
func (t *UDPTransmitter) ClearDestinations() {
	t.mu.Lock()
	t.destinations.Clear()
	t.mu.Unlock()
}

// Destinations returns the send targets in the order they were added
func (t *UDPTransmitter) Destinations() []Destination {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destinations.Elements()
}

// SendRTPData sends data to the RTP port of every destination
func (t *UDPTransmitter) SendRTPData(data []byte) error {
	return t.send(data, true)
}

// SendRTCPData sends data to the RTCP port of every destination
func (t *UDPTransmitter) SendRTCPData(data []byte) error {
	return t.send(data, false)
}

func (t *UDPTransmitter) send(data []byte, rtp bool) error {
	if len(data) > t.params.MaxPacketSize {
		return ErrSpecifiedSizeTooBig
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransmitterClosed
	}
	dests := t.destinations.Elements()
	t.mu.Unlock()

	conn := t.rtcpConn
	if rtp {
		conn = t.rtpConn
	}
	var errs []error
	for _, d := range dests {
		to := d.RTCPAddr()
		if rtp {
			to = d.RTPAddr()
		}
		if _, err := conn.WriteToUDP(data, to); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// SupportsMulticasting reports whether multicast groups can be joined
func (t *UDPTransmitter) SupportsMulticasting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func isMulticastIPv4(ip uint32) bool {
	return ip&0xF0000000 == 0xE0000000
}

func (t *UDPTransmitter) multicastIP(addr Address) (uint32, error) {
	if addr.Kind() != IPv4Address {
		return 0, ErrInvalidAddressType
	}
	ip := addr.IPv4()
	if !isMulticastIPv4(ip) {
		return 0, ErrNotMulticastAddress
	}
	return ip, nil
}

// JoinMulticastGroup joins the group on every socket
func (t *UDPTransmitter) JoinMulticastGroup(addr Address) error {
	ip, err := t.multicastIP(addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransmitterClosed
	}
	if t.groups.HasElement(ip) {
		return ErrAlreadyInMulticastGroup
	}

	group := &net.UDPAddr{IP: addr.IP().AsSlice()}
	var joined []*ipv4.PacketConn
	for _, pc := range t.packetConns() {
		if err := pc.JoinGroup(t.params.Interface, group); err != nil {
			for _, j := range joined {
				j.LeaveGroup(t.params.Interface, group)
			}
			return fmt.Errorf("%w %s: %v", ErrCouldNotJoinMulticast, addr.IP(), err)
		}
		joined = append(joined, pc)
		if t.loopback != nil {
			if err := pc.JoinGroup(t.loopback, group); err != nil {
				log.Printf("[RTP] Warning: failed to join multicast group %s on loopback: %v", addr.IP(), err)
			}
		}
	}
	if Debug {
		log.Printf("[RTP] DEBUG: joined multicast group %s", addr.IP())
	}
	return t.groups.AddElement(ip)
}

// LeaveMulticastGroup leaves a joined group
func (t *UDPTransmitter) LeaveMulticastGroup(addr Address) error {
	ip, err := t.multicastIP(addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.groups.GotoElement(ip); err != nil {
		return ErrNotInMulticastGroup
	}
	t.leaveGroup(ip)
	return t.groups.DeleteCurrentElement()
}

// LeaveAllMulticastGroups leaves every joined group
func (t *UDPTransmitter) LeaveAllMulticastGroups() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups.ForEach(func(ip uint32) bool {
		t.leaveGroup(ip)
		return true
	})
	t.groups.Clear()
}

func (t *UDPTransmitter) leaveGroup(ip uint32) {
	group := &net.UDPAddr{IP: net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))}
	for _, pc := range t.packetConns() {
		if err := pc.LeaveGroup(t.params.Interface, group); err != nil {
			log.Printf("[RTP] Warning: %v %s: %v", ErrCouldNotLeaveMulticast, group.IP, err)
		}
		if t.loopback != nil {
			pc.LeaveGroup(t.loopback, group)
		}
	}
}

// SetReceiveMode changes the receive mode. Changing mode clears the
// accept/ignore list.
func (t *UDPTransmitter) SetReceiveMode(m ReceiveMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m != t.receiveMode {
		t.receiveMode = m
		t.acceptIgnore.Clear()
	}
}

// ReceiveMode returns the current receive mode
func (t *UDPTransmitter) ReceiveMode() ReceiveMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receiveMode
}

func (t *UDPTransmitter) listOp(addr Address, mode ReceiveMode, op func(ip uint32, port uint16) error) error {
	if addr.Kind() != IPv4Address {
		return ErrInvalidAddressType
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.receiveMode != mode {
		return ErrDifferentReceiveMode
	}
	return op(addr.IPv4(), addr.Port())
}

// AddToAcceptList accepts packets from addr. Port 0 accepts every port of the host.
func (t *UDPTransmitter) AddToAcceptList(addr Address) error {
	return t.listOp(addr, AcceptSome, t.processAddEntry)
}

// DeleteFromAcceptList reverses AddToAcceptList
func (t *UDPTransmitter) DeleteFromAcceptList(addr Address) error {
	return t.listOp(addr, AcceptSome, t.processDeleteEntry)
}

// ClearAcceptList empties the accept list
func (t *UDPTransmitter) ClearAcceptList() {
	t.clearList(AcceptSome)
}

// AddToIgnoreList ignores packets from addr. Port 0 ignores every port of the host.
func (t *UDPTransmitter) AddToIgnoreList(addr Address) error {
	return t.listOp(addr, IgnoreSome, t.processAddEntry)
}

// DeleteFromIgnoreList reverses AddToIgnoreList
func (t *UDPTransmitter) DeleteFromIgnoreList(addr Address) error {
	return t.listOp(addr, IgnoreSome, t.processDeleteEntry)
}

// ClearIgnoreList empties the ignore list
func (t *UDPTransmitter) ClearIgnoreList() {
	t.clearList(IgnoreSome)
}

func (t *UDPTransmitter) clearList(mode ReceiveMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.receiveMode == mode {
		t.acceptIgnore.Clear()
	}
}

func (t *UDPTransmitter) processAddEntry(ip uint32, port uint16) error {
	if err := t.acceptIgnore.GotoElement(ip); err != nil {
		p := portList{}
		if port == 0 {
			p.all = true
		} else {
			p.ports = []uint16{port}
		}
		return t.acceptIgnore.AddElement(ip, p)
	}
	p, _ := t.acceptIgnore.CurrentValue()
	if port == 0 {
		p.all = true
		p.ports = nil
		return nil
	}
	if !p.all && !p.contains(port) {
		p.ports = append(p.ports, port)
	}
	return nil
}

func (t *UDPTransmitter) processDeleteEntry(ip uint32, port uint16) error {
	if err := t.acceptIgnore.GotoElement(ip); err != nil {
		return ErrNoSuchEntry
	}
	p, _ := t.acceptIgnore.CurrentValue()
	if port == 0 {
		p.all = false
		p.ports = nil
		return nil
	}
	if p.all {
		// with all set the list holds the exceptions
		if p.contains(port) {
			return ErrNoSuchEntry
		}
		p.ports = append(p.ports, port)
		return nil
	}
	if !p.remove(port) {
		return ErrNoSuchEntry
	}
	return nil
}

// ShouldAcceptData applies the accept/ignore list to a sender
func (t *UDPTransmitter) ShouldAcceptData(ip uint32, port uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shouldAcceptData(ip, port)
}

func (t *UDPTransmitter) shouldAcceptData(ip uint32, port uint16) bool {
	switch t.receiveMode {
	case AcceptSome:
		p, ok := t.acceptIgnore.Get(ip)
		if !ok {
			return false
		}
		if !p.all {
			return p.contains(port)
		}
		return !p.contains(port)
	case IgnoreSome:
		p, ok := t.acceptIgnore.Get(ip)
		if !ok {
			return true
		}
		if !p.all {
			return !p.contains(port)
		}
		return p.contains(port)
	}
	return true
}

// Close leaves all groups, closes the sockets and waits for the receive
// loops. The packet queue is closed.
func (t *UDPTransmitter) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.LeaveAllMulticastGroups()

	t.mu.Lock()
	t.closed = true
	t.destinations.Clear()
	t.mu.Unlock()

	err := t.rtpConn.Close()
	if t.rtcpConn != t.rtpConn {
		if cerr := t.rtcpConn.Close(); err == nil {
			err = cerr
		}
	}
	t.wg.Wait()
	close(t.packets)
	return err
}
