package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/ka9q_aptrx/apt"
	"github.com/cwsl/ka9q_aptrx/rtpnet"
	"github.com/pion/rtp"
)

// IQStats counts what the receiver has seen
type IQStats struct {
	SSRC         uint32 `json:"ssrc"`
	Packets      uint64 `json:"packets"`
	Samples      uint64 `json:"samples"`
	SequenceGaps uint64 `json:"sequence_gaps"`
	OtherSSRC    uint64 `json:"other_ssrc"`
	Malformed    uint64 `json:"malformed"`
	Resyncs      uint64 `json:"resyncs"`
	QueueDropped uint64 `json:"queue_dropped"`
}

// IQReceiver takes the channel's RTP stream from the radiod data group and
// feeds the IQ samples to the decoder
type IQReceiver struct {
	tx      *rtpnet.UDPTransmitter
	ssrc    uint32
	feed    func([]complex64)
	metrics *PrometheusMetrics

	// touched only by the Run goroutine
	seqValid  bool
	lastSeq   uint16
	buf       []complex64
	unknownMu sync.Mutex
	unknown   map[uint32]int

	packets   atomic.Uint64
	samples   atomic.Uint64
	gaps      atomic.Uint64
	other     atomic.Uint64
	malformed atomic.Uint64
	resyncs   atomic.Uint64
}

// NewIQReceiver binds the data port, joins the data group and applies the
// receive mode with its source lists
func NewIQReceiver(dataAddr *net.UDPAddr, iface *net.Interface, ssrc uint32, cfg ReceiverConfig, pipeline *apt.Pipeline, metrics *PrometheusMetrics) (*IQReceiver, error) {
	tx, err := rtpnet.NewUDPTransmitter(rtpnet.TransmitterParams{
		PortBase:         uint16(dataAddr.Port),
		AllowOddPortBase: true,
		RTCPMux:          true, // radiod sends RTP only; don't claim port+1
		Interface:        iface,
		JoinLoopback:     true,
		QueueLength:      cfg.QueueLength,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up data socket: %w", err)
	}

	group, err := rtpnet.AddressFromUDP(dataAddr)
	if err != nil {
		tx.Close()
		return nil, err
	}
	if err := tx.JoinMulticastGroup(group); err != nil {
		if !errors.Is(err, rtpnet.ErrNotMulticastAddress) {
			tx.Close()
			return nil, fmt.Errorf("failed to join data group: %w", err)
		}
		log.Printf("Warning: [IQ] %s is not a multicast group, receiving unicast", dataAddr)
	}

	if err := applyReceiveFilter(tx, cfg); err != nil {
		tx.Close()
		return nil, err
	}

	ir := &IQReceiver{
		tx:      tx,
		ssrc:    ssrc,
		feed:    pipeline.Feed,
		metrics: metrics,
		unknown: make(map[uint32]int),
	}
	log.Printf("[IQ] Listening on %s for SSRC 0x%08x (%s)", dataAddr, ssrc, tx.ReceiveMode())
	return ir, nil
}

// applyReceiveFilter installs the receive mode and its accept or ignore list
func applyReceiveFilter(tx *rtpnet.UDPTransmitter, cfg ReceiverConfig) error {
	mode, err := rtpnet.ParseReceiveMode(cfg.ReceiveMode)
	if err != nil {
		return err
	}
	tx.SetReceiveMode(mode)

	var sources []string
	var add func(rtpnet.Address) error
	switch mode {
	case rtpnet.AcceptSome:
		sources, add = cfg.AcceptSources, tx.AddToAcceptList
	case rtpnet.IgnoreSome:
		sources, add = cfg.IgnoreSources, tx.AddToIgnoreList
	default:
		return nil
	}
	for _, s := range sources {
		addr, err := parseSource(s)
		if err != nil {
			return err
		}
		if err := add(addr); err != nil {
			return fmt.Errorf("source %s: %w", s, err)
		}
	}
	return nil
}

// Run reads packets until ctx is done or the socket closes
func (ir *IQReceiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-ir.tx.Packets():
			if !ok {
				return nil
			}
			ir.handlePacket(p)
		case <-ticker.C:
			ir.metrics.RecordQueueDrops(ir.tx.Dropped())
		}
	}
}

func (ir *IQReceiver) handlePacket(p rtpnet.RawPacket) {
	if !p.IsRTP {
		return
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(p.Data); err != nil {
		ir.malformed.Add(1)
		if DebugMode {
			log.Printf("DEBUG: [IQ] Bad RTP packet from %s: %v", p.Sender, err)
		}
		return
	}
	if pkt.SSRC != ir.ssrc {
		// other channels share the data group
		ir.other.Add(1)
		if DebugMode {
			ir.noteUnknownSSRC(pkt.SSRC)
		}
		return
	}
	if len(pkt.Payload)%4 != 0 {
		ir.malformed.Add(1)
		return
	}

	gap := 0
	if ir.seqValid {
		var step seqStep
		step, gap = sequenceStep(ir.lastSeq, pkt.SequenceNumber)
		switch step {
		case seqLate:
			return
		case seqRestart:
			ir.resyncs.Add(1)
			log.Printf("[IQ] Sequence jumped from %d to %d, resynchronising", ir.lastSeq, pkt.SequenceNumber)
		}
	}
	ir.seqValid = true
	ir.lastSeq = pkt.SequenceNumber
	if gap > 0 {
		ir.gaps.Add(uint64(gap))
		if DebugMode {
			log.Printf("DEBUG: [IQ] %d packets lost before seq %d", gap, pkt.SequenceNumber)
		}
	}

	ir.buf = iqFromBE(pkt.Payload, ir.buf)
	ir.packets.Add(1)
	ir.samples.Add(uint64(len(ir.buf)))
	ir.metrics.RecordRTPPacket(len(pkt.Payload), gap)
	ir.feed(ir.buf)
}

func (ir *IQReceiver) noteUnknownSSRC(ssrc uint32) {
	ir.unknownMu.Lock()
	defer ir.unknownMu.Unlock()
	ir.unknown[ssrc]++
	if n := ir.unknown[ssrc]; n == 1 || n%1000 == 0 {
		log.Printf("DEBUG: [IQ] Ignoring SSRC 0x%08x (%d packets)", ssrc, n)
	}
}

// Sequence handling follows RFC 3550 A.1: small backward steps are
// reordered or duplicated packets, anything further away is a restart.
const (
	seqMaxMisorder = 100
	seqMaxDropout  = 3000
)

type seqStep int

const (
	seqNext seqStep = iota
	seqLate
	seqRestart
)

// sequenceStep classifies seq against the last accepted prev and returns
// the number of packets lost for seqNext
func sequenceStep(prev, seq uint16) (seqStep, int) {
	d := int(int16(seq - prev))
	switch {
	case d > 0 && d <= seqMaxDropout:
		return seqNext, d - 1
	case d <= 0 && d >= -seqMaxMisorder:
		return seqLate, 0
	}
	return seqRestart, 0
}

// iqFromBE converts interleaved big-endian int16 I/Q pairs into dst
func iqFromBE(payload []byte, dst []complex64) []complex64 {
	n := len(payload) / 4
	if cap(dst) < n {
		dst = make([]complex64, n)
	}
	dst = dst[:n]
	for i := range dst {
		o := i * 4
		re := int16(uint16(payload[o])<<8 | uint16(payload[o+1]))
		im := int16(uint16(payload[o+2])<<8 | uint16(payload[o+3]))
		dst[i] = complex(float32(re)/32768, float32(im)/32768)
	}
	return dst
}

// Stats returns the receive counters
func (ir *IQReceiver) Stats() IQStats {
	return IQStats{
		SSRC:         ir.ssrc,
		Packets:      ir.packets.Load(),
		Samples:      ir.samples.Load(),
		SequenceGaps: ir.gaps.Load(),
		OtherSSRC:    ir.other.Load(),
		Malformed:    ir.malformed.Load(),
		Resyncs:      ir.resyncs.Load(),
		QueueDropped: ir.tx.Dropped(),
	}
}

// Close leaves the data group and closes the socket
func (ir *IQReceiver) Close() error {
	return ir.tx.Close()
}
