package main

import (
	"fmt"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
)

// radiod status/control TLV tags (ka9q-radio status.h)
const (
	tagEOL            = 0x00
	tagCommandTag     = 0x01
	tagOutputSSRC     = 0x12
	tagOutputSamprate = 0x14
	tagRadioFrequency = 0x21
	tagPreset         = 0x55
	tagStatusInterval = 0x6A

	pktTypeCommand = 1
)

// RadiodController sends channel commands to ka9q-radio's radiod
type RadiodController struct {
	statusAddr *net.UDPAddr
	dataAddr   *net.UDPAddr
	conn       *net.UDPConn
	iface      *net.Interface
	cmdMu      sync.Mutex
}

// fnv1hash is FNV-1 as used by ka9q-radio for hashing group names
func fnv1hash(data []byte) uint32 {
	hash := uint32(0x811c9dc5)
	for _, b := range data {
		hash *= 0x01000193
		hash ^= uint32(b)
	}
	return hash
}

// makeMaddr maps a group name into 239.0.0.0/8 the way radiod does when the
// name does not resolve. 239.0.0.0/24 and 239.128.0.0/24 are avoided since
// they share Ethernet multicast MACs with 224.0.0.0/24.
func makeMaddr(hostname string) net.IP {
	addr := uint32(239)<<24 | fnv1hash([]byte(hostname))&0xffffff
	if addr&0x007fff00 == 0 {
		addr |= (addr & 0xff) << 8
	}
	if addr&0x007fff00 == 0 {
		addr |= 0x00100000
	}
	return net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
}

// resolveMulticastAddr resolves "host[:port]", falling back to makeMaddr
func resolveMulticastAddr(addrStr string) (*net.UDPAddr, error) {
	if addr, err := net.ResolveUDPAddr("udp4", addrStr); err == nil {
		return addr, nil
	}

	host, portStr, found := strings.Cut(addrStr, ":")
	if host == "" {
		return nil, fmt.Errorf("invalid address format: %s", addrStr)
	}
	port := 0
	if found {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in address %s: %w", addrStr, err)
		}
		port = p
	}

	addr := &net.UDPAddr{IP: makeMaddr(host), Port: port}
	log.Printf("[RADIOD] DNS resolution failed for %s, using hashed address %s", addrStr, addr)
	return addr, nil
}

// NewRadiodController resolves the radiod groups and opens the control socket
func NewRadiodController(cfg RadiodConfig) (*RadiodController, error) {
	statusAddr, err := resolveMulticastAddr(cfg.StatusGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve status address: %w", err)
	}
	dataAddr, err := resolveMulticastAddr(cfg.DataGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data address: %w", err)
	}

	var iface *net.Interface
	if cfg.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to get interface %s: %w", cfg.Interface, err)
		}
	} else {
		iface, err = getDefaultInterface()
		if err != nil {
			log.Printf("[RADIOD] Warning: could not determine default interface: %v", err)
		}
	}

	conn, err := setupControlSocket(statusAddr, iface)
	if err != nil {
		return nil, fmt.Errorf("failed to create control socket: %w", err)
	}

	log.Printf("[RADIOD] Controller initialized (status: %s, data: %s, iface: %v)", statusAddr, dataAddr, ifaceName(iface))
	return &RadiodController{
		statusAddr: statusAddr,
		dataAddr:   dataAddr,
		conn:       conn,
		iface:      iface,
	}, nil
}

func ifaceName(iface *net.Interface) string {
	if iface == nil {
		return "default"
	}
	return iface.Name
}

// setupControlSocket opens the command socket with radiod's multicast
// options: loopback on, TTL 1, outbound interface, non-blocking
func setupControlSocket(addr *net.UDPAddr, iface *net.Interface) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_LOOP, 1); err != nil {
			sockErr = fmt.Errorf("failed to set IP_MULTICAST_LOOP: %w", err)
			return
		}
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_TTL, 1); err != nil {
			sockErr = fmt.Errorf("failed to set IP_MULTICAST_TTL: %w", err)
			return
		}
		if iface != nil {
			mreqn := syscall.IPMreqn{Ifindex: int32(iface.Index)}
			if err := syscall.SetsockoptIPMreqn(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_IF, &mreqn); err != nil {
				sockErr = fmt.Errorf("failed to set IP_MULTICAST_IF: %w", err)
				return
			}
		}
		if err := syscall.SetNonblock(int(fd), true); err != nil {
			sockErr = fmt.Errorf("failed to set non-blocking: %w", err)
		}
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	// joining the status group keeps IGMP snooping switches forwarding it
	p := ipv4.NewPacketConn(conn)
	if iface != nil {
		if err := p.JoinGroup(iface, addr); err != nil {
			log.Printf("[RADIOD] Warning: failed to join multicast group on %s: %v", iface.Name, err)
		}
	}
	if loopback, err := getLoopbackInterface(); err == nil {
		if err := p.JoinGroup(loopback, addr); err != nil {
			log.Printf("[RADIOD] Warning: failed to join multicast group on loopback: %v", err)
		}
	}
	return conn, nil
}

// getDefaultInterface returns the first multicast capable interface that is up
func getDefaultInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		f := ifaces[i].Flags
		if f&net.FlagLoopback == 0 && f&net.FlagUp != 0 && f&net.FlagMulticast != 0 {
			return &ifaces[i], nil
		}
	}
	return nil, fmt.Errorf("no suitable interface found")
}

func getLoopbackInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagLoopback != 0 {
			return &ifaces[i], nil
		}
	}
	return nil, fmt.Errorf("loopback interface not found")
}

// controlCommand builds a radiod command packet: type byte, TLVs, EOL.
// Numeric values are big-endian with leading zero bytes suppressed.
type controlCommand struct {
	buf []byte
}

func newControlCommand(ssrc uint32) *controlCommand {
	c := &controlCommand{buf: make([]byte, 0, 256)}
	c.buf = append(c.buf, pktTypeCommand)
	c.putUint(tagOutputSSRC, uint64(ssrc))
	return c
}

func (c *controlCommand) putUint(tag byte, x uint64) {
	n := 8
	for n > 0 && x>>56 == 0 {
		x <<= 8
		n--
	}
	c.buf = append(c.buf, tag, byte(n))
	for ; n > 0; n-- {
		c.buf = append(c.buf, byte(x>>56))
		x <<= 8
	}
}

func (c *controlCommand) putDouble(tag byte, v float64) {
	c.putUint(tag, math.Float64bits(v))
}

func (c *controlCommand) putFloat(tag byte, v float32) {
	c.putUint(tag, uint64(math.Float32bits(v)))
}

func (c *controlCommand) putString(tag byte, s string) {
	if len(s) < 128 {
		c.buf = append(c.buf, tag, byte(len(s)))
	} else {
		c.buf = append(c.buf, tag, 0x80|2, byte(len(s)>>8), byte(len(s)))
	}
	c.buf = append(c.buf, s...)
}

// finish appends the command tag and EOL
func (c *controlCommand) finish(tag uint32) []byte {
	c.putUint(tagCommandTag, uint64(tag))
	return append(c.buf, tagEOL)
}

// channelSSRC returns ssrc, or one derived from the frequency in kHz
func channelSSRC(ssrc uint32, frequency uint64) uint32 {
	if ssrc != 0 {
		return ssrc
	}
	return uint32(frequency / 1000)
}

// CreateIQChannel asks radiod for an IQ channel. Frequency must precede
// the preset so the preset applies at the new frequency.
func (rc *RadiodController) CreateIQChannel(name string, frequency uint64, preset string, sampleRate int, ssrc uint32) error {
	cmd := newControlCommand(ssrc)
	cmd.putDouble(tagRadioFrequency, float64(frequency))
	cmd.putString(tagPreset, preset)
	if sampleRate > 0 {
		cmd.putUint(tagOutputSamprate, uint64(sampleRate))
	}
	cmd.putUint(tagStatusInterval, 5)

	if DebugMode {
		log.Printf("[RADIOD] DEBUG: create channel command %x", cmd.buf)
	}
	if err := rc.sendCommand(cmd.finish(uint32(time.Now().Unix()))); err != nil {
		return fmt.Errorf("failed to send create command: %w", err)
	}
	log.Printf("[RADIOD] Created channel: %s (SSRC: 0x%08x, freq: %d Hz, preset: %s, rate: %d Hz)",
		name, ssrc, frequency, preset, sampleRate)
	return nil
}

// Retune moves an existing channel
func (rc *RadiodController) Retune(ssrc uint32, frequency uint64) error {
	cmd := newControlCommand(ssrc)
	cmd.putDouble(tagRadioFrequency, float64(frequency))
	if err := rc.sendCommand(cmd.finish(uint32(time.Now().Unix()))); err != nil {
		return fmt.Errorf("failed to send retune command: %w", err)
	}
	return nil
}

// DisableChannel sets the channel frequency to 0; radiod expires it after its idle timeout
func (rc *RadiodController) DisableChannel(name string, ssrc uint32) error {
	if err := rc.Retune(ssrc, 0); err != nil {
		return fmt.Errorf("failed to send disable command: %w", err)
	}
	log.Printf("[RADIOD] Disabled channel: %s (SSRC: 0x%08x)", name, ssrc)
	return nil
}

func (rc *RadiodController) sendCommand(cmd []byte) error {
	rc.cmdMu.Lock()
	defer rc.cmdMu.Unlock()

	if err := rc.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	n, err := rc.conn.WriteTo(cmd, rc.statusAddr)
	if err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	if n != len(cmd) {
		return fmt.Errorf("incomplete write: sent %d of %d bytes", n, len(cmd))
	}
	return nil
}

// Close closes the control socket
func (rc *RadiodController) Close() error {
	if rc.conn != nil {
		return rc.conn.Close()
	}
	return nil
}

// DataAddr returns the data multicast group
func (rc *RadiodController) DataAddr() *net.UDPAddr { return rc.dataAddr }

// Interface returns the multicast interface, nil for the system default
func (rc *RadiodController) Interface() *net.Interface { return rc.iface }
