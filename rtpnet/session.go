package rtpnet

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// SessionParams configures a Session
type SessionParams struct {
	PayloadType uint8
	CNAME       string

	// CollisionTimeout is how long a colliding address is remembered.
	// The default is ten 5 second RTCP intervals.
	CollisionTimeout time.Duration
	// ReportInterval is the sender report period, default 5s
	ReportInterval time.Duration

	// OnSSRCChange is called after a collision forced a new SSRC
	OnSSRCChange func(oldSSRC, newSSRC uint32)
	// OnPacket receives RTP packets from other sources
	OnPacket func(RawPacket, *rtp.Packet)
}

// SessionStats counts what the session has sent
type SessionStats struct {
	SSRC       uint32 `json:"ssrc"`
	Packets    uint32 `json:"packets"`
	Octets     uint32 `json:"octets"`
	Collisions uint64 `json:"collisions"`
}

// Session sends RTP packets with its own SSRC through a transmitter and
// resolves SSRC collisions seen on received traffic.
type Session struct {
	tx     *UDPTransmitter
	params SessionParams
	seq    rtp.Sequencer

	mu          sync.Mutex
	ssrc        uint32
	timestamp   uint32
	sentPackets bool
	packets     uint32
	octets      uint32
	collisions  uint64
	lastRTPTime uint32

	// touched only by the goroutine running ProcessPacket and Timeout
	collisionList *CollisionList
}

// NewSession creates a session with a random SSRC, sequence number and timestamp
func NewSession(tx *UDPTransmitter, params SessionParams) *Session {
	if params.CollisionTimeout == 0 {
		params.CollisionTimeout = 50 * time.Second
	}
	if params.ReportInterval == 0 {
		params.ReportInterval = 5 * time.Second
	}
	if params.CNAME == "" {
		params.CNAME = fmt.Sprintf("aptrx@%d", tx.LocalRTPPort())
	}
	return &Session{
		tx:            tx,
		params:        params,
		seq:           rtp.NewRandomSequencer(),
		ssrc:          rand.Uint32(),
		timestamp:     rand.Uint32(),
		collisionList: NewCollisionList(),
	}
}

// SSRC returns the current synchronisation source
func (s *Session) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrc
}

// Stats returns the send counters
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		SSRC:       s.ssrc,
		Packets:    s.packets,
		Octets:     s.octets,
		Collisions: s.collisions,
	}
}

// SendPacket sends payload to every destination and advances the
// timestamp by tsInc
func (s *Session) SendPacket(payload []byte, marker bool, tsInc uint32) error {
	s.mu.Lock()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.params.PayloadType,
			SequenceNumber: s.seq.NextSequenceNumber(),
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.lastRTPTime = s.timestamp
	s.timestamp += tsInc
	s.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	if err := s.tx.SendRTPData(data); err != nil {
		return err
	}

	s.mu.Lock()
	s.sentPackets = true
	s.packets++
	s.octets += uint32(len(payload))
	s.mu.Unlock()
	return nil
}

// sourcesOf lists the sender SSRCs carried by a packet
func sourcesOf(p RawPacket) ([]uint32, *rtp.Packet, error) {
	if p.IsRTP {
		var pkt rtp.Packet
		if err := pkt.Unmarshal(p.Data); err != nil {
			return nil, nil, err
		}
		return []uint32{pkt.SSRC}, &pkt, nil
	}
	pkts, err := rtcp.Unmarshal(p.Data)
	if err != nil {
		return nil, nil, err
	}
	var ssrcs []uint32
	for _, pk := range pkts {
		switch r := pk.(type) {
		case *rtcp.SenderReport:
			ssrcs = append(ssrcs, r.SSRC)
		case *rtcp.ReceiverReport:
			ssrcs = append(ssrcs, r.SSRC)
		case *rtcp.SourceDescription:
			for _, c := range r.Chunks {
				ssrcs = append(ssrcs, c.Source)
			}
		}
	}
	return ssrcs, nil, nil
}

// ProcessPacket inspects a received packet. Our own looped back packets are
// ignored. A packet from another address using our SSRC is a collision: the
// first time an address collides we say BYE if we have sent anything and
// switch to a new SSRC.
func (s *Session) ProcessPacket(p RawPacket) error {
	ssrcs, pkt, err := sourcesOf(p)
	if err != nil {
		return err
	}

	own := s.SSRC()
	collided := false
	for _, ssrc := range ssrcs {
		if ssrc == own {
			collided = true
			break
		}
	}
	if !collided {
		if pkt != nil && s.params.OnPacket != nil {
			s.params.OnPacket(p, pkt)
		}
		return nil
	}

	if s.tx.ComesFromThisTransmitter(p.Sender) {
		return nil
	}

	created, err := s.collisionList.UpdateAddress(p.Sender, p.ReceiveTime)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.changeSSRC(own)
}

func (s *Session) changeSSRC(old uint32) error {
	s.mu.Lock()
	sent := s.sentPackets
	s.mu.Unlock()

	var byeErr error
	if sent {
		byeErr = s.sendBye(old, "SSRC collision")
	}

	s.mu.Lock()
	next := rand.Uint32()
	for next == old {
		next = rand.Uint32()
	}
	s.ssrc = next
	s.sentPackets = false
	s.packets = 0
	s.octets = 0
	s.collisions++
	s.mu.Unlock()

	log.Printf("[RTP] SSRC collision: changed SSRC %08x -> %08x", old, next)
	if s.params.OnSSRCChange != nil {
		s.params.OnSSRCChange(old, next)
	}
	return byeErr
}

func (s *Session) sendBye(ssrc uint32, reason string) error {
	data, err := (&rtcp.Goodbye{Sources: []uint32{ssrc}, Reason: reason}).Marshal()
	if err != nil {
		return err
	}
	return s.tx.SendRTCPData(data)
}

// Timeout forgets colliding addresses that have been quiet for the
// collision timeout
func (s *Session) Timeout(now time.Time) {
	s.collisionList.Timeout(now, s.params.CollisionTimeout)
}

// ntpTime converts t to the 64 bit NTP format used in sender reports
func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// SendReport sends a sender report with our CNAME if anything was sent
func (s *Session) SendReport(now time.Time) error {
	s.mu.Lock()
	if !s.sentPackets {
		s.mu.Unlock()
		return nil
	}
	sr := &rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     s.lastRTPTime,
		PacketCount: s.packets,
		OctetCount:  s.octets,
	}
	sdes := &rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
		Source: s.ssrc,
		Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: s.params.CNAME}},
	}}}
	s.mu.Unlock()

	data, err := rtcp.Marshal([]rtcp.Packet{sr, sdes})
	if err != nil {
		return err
	}
	return s.tx.SendRTCPData(data)
}

// Run processes received packets and periodic work until ctx is done or
// the transmitter is closed
func (s *Session) Run(ctx context.Context) error {
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	report := time.NewTicker(s.params.ReportInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-s.tx.Packets():
			if !ok {
				return nil
			}
			if err := s.ProcessPacket(p); err != nil && Debug {
				log.Printf("[RTP] DEBUG: dropped packet from %s: %v", p.Sender, err)
			}
		case now := <-sweep.C:
			s.Timeout(now)
		case now := <-report.C:
			if err := s.SendReport(now); err != nil {
				log.Printf("[RTP] Failed to send sender report: %v", err)
			}
		}
	}
}

// Close says BYE if anything was sent. The transmitter stays open.
func (s *Session) Close() error {
	s.mu.Lock()
	sent := s.sentPackets
	ssrc := s.ssrc
	s.sentPackets = false
	s.mu.Unlock()
	if !sent {
		return nil
	}
	return s.sendBye(ssrc, "session closed")
}
