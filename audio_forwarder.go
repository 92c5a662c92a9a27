package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/cwsl/ka9q_aptrx/apt"
	"github.com/cwsl/ka9q_aptrx/rtpnet"
	"golang.org/x/sync/errgroup"
)

// Forwarded audio framing
const (
	forwardFrameDuration = 20 * time.Millisecond
	forwardFrameSamples  = apt.DecodeRate / 50 // 240
	opusClockRate        = 48000
)

// Forwarder codecs
const (
	CodecL16  = "l16"
	CodecOpus = "opus"
)

// AudioForwarder re-publishes the demodulated audio as RTP
type AudioForwarder struct {
	tx      *rtpnet.UDPTransmitter
	session *rtpnet.Session
	metrics *PrometheusMetrics

	codec  string
	opus   *opusFrameEncoder
	tsInc  uint32
	framer frameBuffer
	pcm    []int16
	l16    []byte
	first  bool
}

// NewAudioForwarder opens the sending socket and registers the destinations.
// Multicast destinations are also joined so collisions from other senders
// on the group are seen.
func NewAudioForwarder(cfg ForwarderConfig, metrics *PrometheusMetrics) (*AudioForwarder, error) {
	var iface *net.Interface
	if cfg.Interface != "" {
		var err error
		iface, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("forwarder interface %s: %w", cfg.Interface, err)
		}
	}

	af := &AudioForwarder{
		metrics: metrics,
		codec:   strings.ToLower(cfg.Codec),
		tsInc:   forwardFrameSamples,
		framer:  frameBuffer{size: forwardFrameSamples},
		first:   true,
	}
	if af.codec == "" {
		af.codec = CodecL16
	}
	if af.codec == CodecOpus {
		enc, err := newOpusEncoder(apt.DecodeRate, cfg.OpusBitrate)
		if err != nil {
			log.Printf("Warning: [FWD] %v, falling back to L16", err)
			af.codec = CodecL16
		} else {
			af.opus = enc
			af.tsInc = uint32(opusClockRate * forwardFrameDuration / time.Second)
		}
	}

	tx, err := rtpnet.NewUDPTransmitter(rtpnet.TransmitterParams{
		PortBase:     cfg.PortBase,
		RTCPMux:      cfg.RTCPMux,
		MulticastTTL: cfg.MulticastTTL,
		Interface:    iface,
		JoinLoopback: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open forwarder socket: %w", err)
	}
	af.tx = tx

	for _, d := range cfg.Destinations {
		if err := af.addDestination(d, cfg.RTCPMux); err != nil {
			tx.Close()
			return nil, err
		}
	}

	timeout := time.Duration(cfg.CollisionSecs) * time.Second
	af.session = rtpnet.NewSession(tx, rtpnet.SessionParams{
		PayloadType:      cfg.PayloadType,
		CollisionTimeout: timeout,
		OnSSRCChange: func(oldSSRC, newSSRC uint32) {
			log.Printf("[FWD] SSRC collision, changed 0x%08x -> 0x%08x", oldSSRC, newSSRC)
			metrics.RecordSSRCCollision()
		},
	})

	log.Printf("[FWD] Forwarding %s audio to %d destinations with SSRC 0x%08x",
		af.codec, len(cfg.Destinations), af.session.SSRC())
	return af, nil
}

func (af *AudioForwarder) addDestination(hostport string, rtcpMux bool) error {
	udp, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return fmt.Errorf("forwarder destination %s: %w", hostport, err)
	}
	addr, err := rtpnet.AddressFromUDP(udp)
	if err != nil {
		return fmt.Errorf("forwarder destination %s: %w", hostport, err)
	}
	if rtcpMux {
		addr = addr.WithRTCPMux()
	}
	if err := af.tx.AddDestination(addr); err != nil {
		return fmt.Errorf("forwarder destination %s: %w", hostport, err)
	}
	if udp.IP.IsMulticast() {
		if err := af.tx.JoinMulticastGroup(addr); err != nil && !errors.Is(err, rtpnet.ErrAlreadyInMulticastGroup) {
			log.Printf("Warning: [FWD] %v", err)
		}
	}
	return nil
}

// Run sends audio from in until ctx is done or in is closed. The RTP
// session's receive and report loop runs alongside.
func (af *AudioForwarder) Run(ctx context.Context, in <-chan []float32) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := af.session.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer af.shutdown()
		for {
			select {
			case <-gctx.Done():
				return nil
			case samples, ok := <-in:
				if !ok {
					return nil
				}
				af.framer.push(samples, af.sendFrame)
			}
		}
	})
	return g.Wait()
}

func (af *AudioForwarder) shutdown() {
	if err := af.session.Close(); err != nil {
		log.Printf("Warning: [FWD] %v", err)
	}
	if err := af.tx.Close(); err != nil {
		log.Printf("Warning: [FWD] %v", err)
	}
}

func (af *AudioForwarder) sendFrame(frame []float32) {
	af.pcm = toInt16(frame, af.pcm)

	var payload []byte
	if af.opus != nil {
		var err error
		payload, err = af.opus.Encode(af.pcm)
		if err != nil {
			log.Printf("[FWD] %v", err)
			return
		}
	} else {
		af.l16 = packL16(af.pcm, af.l16)
		payload = af.l16
	}

	if err := af.session.SendPacket(payload, af.first, af.tsInc); err != nil {
		if DebugMode {
			log.Printf("DEBUG: [FWD] send failed: %v", err)
		}
		return
	}
	af.first = false
	af.metrics.RecordForwardedPacket()
}

// Stats returns the RTP session counters
func (af *AudioForwarder) Stats() rtpnet.SessionStats {
	return af.session.Stats()
}

// frameBuffer cuts a sample stream into fixed size frames
type frameBuffer struct {
	size    int
	pending []float32
}

func (f *frameBuffer) push(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		if len(f.pending) == 0 && len(samples) >= f.size {
			emit(samples[:f.size])
			samples = samples[f.size:]
			continue
		}
		n := min(f.size-len(f.pending), len(samples))
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]
		if len(f.pending) == f.size {
			emit(f.pending)
			f.pending = f.pending[:0]
		}
	}
}

func toInt16(samples []float32, dst []int16) []int16 {
	dst = dst[:0]
	for _, s := range samples {
		dst = append(dst, int16(clampUnit(s)*32767))
	}
	return dst
}

// packL16 encodes samples as network order 16-bit PCM (RFC 3551 L16)
func packL16(pcm []int16, dst []byte) []byte {
	dst = dst[:0]
	for _, s := range pcm {
		dst = append(dst, byte(uint16(s)>>8), byte(s))
	}
	return dst
}

// fanOut copies every buffer from in to each out without blocking; a slow
// consumer loses buffers. The outputs are closed when in closes or ctx ends.
func fanOut(ctx context.Context, in <-chan []float32, outs ...chan<- []float32) {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-in:
			if !ok {
				return
			}
			for _, out := range outs {
				select {
				case out <- buf:
				default:
				}
			}
		}
	}
}
