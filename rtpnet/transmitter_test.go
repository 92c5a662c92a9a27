package rtpnet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// listTransmitter builds a transmitter with only the fields the list
// operations use, so no sockets are needed
func listTransmitter(mode ReceiveMode) *UDPTransmitter {
	t := &UDPTransmitter{
		acceptIgnore: NewKeyHashTable[uint32, portList](HashSize, IPv4Hash),
	}
	t.SetReceiveMode(mode)
	return t
}

const hostA = 0x0a000001

func TestAcceptSome(t *testing.T) {
	tx := listTransmitter(AcceptSome)
	if tx.ShouldAcceptData(hostA, 5000) {
		t.Fatal("unlisted host accepted")
	}
	if err := tx.AddToIgnoreList(NewIPv4Address(hostA, 5000)); !errors.Is(err, ErrDifferentReceiveMode) {
		t.Fatalf("err = %v", err)
	}

	tx.AddToAcceptList(NewIPv4Address(hostA, 5000))
	if !tx.ShouldAcceptData(hostA, 5000) || tx.ShouldAcceptData(hostA, 5002) {
		t.Fatal("single port accept wrong")
	}

	// port 0 accepts all ports; deleting a port then makes it an exception
	tx.AddToAcceptList(NewIPv4Address(hostA, 0))
	if !tx.ShouldAcceptData(hostA, 5002) {
		t.Fatal("all ports not accepted")
	}
	if err := tx.DeleteFromAcceptList(NewIPv4Address(hostA, 5002)); err != nil {
		t.Fatal(err)
	}
	if tx.ShouldAcceptData(hostA, 5002) || !tx.ShouldAcceptData(hostA, 5004) {
		t.Fatal("exception not honoured")
	}
	if err := tx.DeleteFromAcceptList(NewIPv4Address(hostA, 5002)); !errors.Is(err, ErrNoSuchEntry) {
		t.Fatalf("repeat exception = %v", err)
	}

	tx.DeleteFromAcceptList(NewIPv4Address(hostA, 0))
	if tx.ShouldAcceptData(hostA, 5004) {
		t.Fatal("delete port 0 should reset the entry")
	}
	if err := tx.DeleteFromAcceptList(NewIPv4Address(0x0a000009, 1)); !errors.Is(err, ErrNoSuchEntry) {
		t.Fatalf("unknown host = %v", err)
	}
}

func TestIgnoreSome(t *testing.T) {
	tx := listTransmitter(IgnoreSome)
	if !tx.ShouldAcceptData(hostA, 5000) {
		t.Fatal("unlisted host ignored")
	}
	tx.AddToIgnoreList(NewIPv4Address(hostA, 5000))
	tx.AddToIgnoreList(NewIPv4Address(hostA, 5000))
	if tx.ShouldAcceptData(hostA, 5000) || !tx.ShouldAcceptData(hostA, 5002) {
		t.Fatal("single port ignore wrong")
	}
	if err := tx.DeleteFromIgnoreList(NewIPv4Address(hostA, 5000)); err != nil {
		t.Fatal(err)
	}
	if err := tx.DeleteFromIgnoreList(NewIPv4Address(hostA, 5000)); !errors.Is(err, ErrNoSuchEntry) {
		t.Fatalf("err = %v", err)
	}

	tx.AddToIgnoreList(NewIPv4Address(hostA, 0))
	tx.DeleteFromIgnoreList(NewIPv4Address(hostA, 6000))
	if tx.ShouldAcceptData(hostA, 5000) || !tx.ShouldAcceptData(hostA, 6000) {
		t.Fatal("ignore all with exception wrong")
	}

	// changing mode clears the list, setting the same mode does not
	tx.SetReceiveMode(IgnoreSome)
	if tx.ShouldAcceptData(hostA, 5000) {
		t.Fatal("same mode cleared the list")
	}
	tx.SetReceiveMode(AcceptAll)
	tx.SetReceiveMode(IgnoreSome)
	if !tx.ShouldAcceptData(hostA, 5000) {
		t.Fatal("mode change kept the list")
	}
}

func TestTransmitterParams(t *testing.T) {
	if _, err := NewUDPTransmitter(TransmitterParams{PortBase: 5005}); !errors.Is(err, ErrPortBaseNotEven) {
		t.Fatalf("odd port base = %v", err)
	}
	if _, err := NewUDPTransmitter(TransmitterParams{MaxPacketSize: MaxPacketSize + 1}); !errors.Is(err, ErrSpecifiedSizeTooBig) {
		t.Fatalf("packet size = %v", err)
	}
}

func newLoopbackTransmitter(t *testing.T, mux bool) *UDPTransmitter {
	t.Helper()
	tx, err := NewUDPTransmitter(TransmitterParams{BindIP: []byte{127, 0, 0, 1}, RTCPMux: mux})
	if err != nil {
		t.Skipf("cannot bind loopback socket: %v", err)
	}
	t.Cleanup(func() { tx.Close() })
	return tx
}

func receive(t *testing.T, tx *UDPTransmitter) RawPacket {
	t.Helper()
	select {
	case p := <-tx.Packets():
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return RawPacket{}
}

func TestTransmitterLoopback(t *testing.T) {
	rx := newLoopbackTransmitter(t, false)
	tx := newLoopbackTransmitter(t, false)

	dest := NewIPv4Address(0x7f000001, rx.LocalRTPPort())
	dest.SetRTCPSendPort(rx.LocalRTCPPort())
	if err := tx.AddDestination(dest); err != nil {
		t.Fatal(err)
	}
	if err := tx.AddDestination(dest); !errors.Is(err, ErrElementAlreadyExists) {
		t.Fatalf("duplicate destination = %v", err)
	}

	if err := tx.SendRTPData([]byte{0x80, 96, 0, 1}); err != nil {
		t.Fatal(err)
	}
	p := receive(t, rx)
	if !p.IsRTP || p.Sender.Port() != tx.LocalRTPPort() {
		t.Fatalf("got %+v", p)
	}
	if !tx.ComesFromThisTransmitter(p.Sender) || rx.ComesFromThisTransmitter(p.Sender) {
		t.Fatal("origin check wrong")
	}

	if err := tx.SendRTCPData([]byte{0x80, 203, 0, 1, 0, 0, 0, 1}); err != nil {
		t.Fatal(err)
	}
	if p := receive(t, rx); p.IsRTP {
		t.Fatal("RTCP socket packet marked RTP")
	}

	if err := tx.SendRTPData(make([]byte, MaxPacketSize+1)); !errors.Is(err, ErrSpecifiedSizeTooBig) {
		t.Fatalf("oversize send = %v", err)
	}

	if err := tx.JoinMulticastGroup(NewIPv4Address(0x0a000001, 0)); !errors.Is(err, ErrNotMulticastAddress) {
		t.Fatalf("unicast join = %v", err)
	}
	if err := tx.LeaveMulticastGroup(NewIPv4Address(0xef000001, 0)); !errors.Is(err, ErrNotInMulticastGroup) {
		t.Fatalf("leave = %v", err)
	}
}

func TestTransmitterMuxAndFilter(t *testing.T) {
	rx := newLoopbackTransmitter(t, true)
	tx := newLoopbackTransmitter(t, true)
	if rx.LocalRTPPort() != rx.LocalRTCPPort() {
		t.Fatal("mux should share the port")
	}
	tx.AddDestination(NewIPv4Address(0x7f000001, rx.LocalRTPPort()).WithRTCPMux())

	bye, _ := (&rtcp.Goodbye{Sources: []uint32{1}}).Marshal()
	tx.SendRTCPData(bye)
	if p := receive(t, rx); p.IsRTP {
		t.Fatal("muxed RTCP classified as RTP")
	}

	rx.SetReceiveMode(IgnoreSome)
	rx.AddToIgnoreList(NewIPv4Address(0x7f000001, tx.LocalRTPPort()))
	tx.SendRTPData([]byte{0x80, 96, 0, 2})
	select {
	case p := <-rx.Packets():
		t.Fatalf("ignored sender delivered: %+v", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionCollision(t *testing.T) {
	rx := newLoopbackTransmitter(t, true)
	peer := newLoopbackTransmitter(t, true)

	var changes [][2]uint32
	s := NewSession(rx, SessionParams{
		PayloadType:  96,
		OnSSRCChange: func(o, n uint32) { changes = append(changes, [2]uint32{o, n}) },
	})
	old := s.SSRC()

	pkt := rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SSRC: old}}
	data, _ := pkt.Marshal()
	now := time.Now()
	sender := NewIPv4Address(0x7f000001, peer.LocalRTPPort())

	if err := s.ProcessPacket(RawPacket{Data: data, Sender: sender, ReceiveTime: now, IsRTP: true}); err != nil {
		t.Fatal(err)
	}
	if s.SSRC() == old || len(changes) != 1 {
		t.Fatalf("SSRC not changed: %08x, %v", s.SSRC(), changes)
	}

	// a second packet from the same address is a known collision
	pkt.SSRC = s.SSRC()
	data, _ = pkt.Marshal()
	s.ProcessPacket(RawPacket{Data: data, Sender: sender, ReceiveTime: now, IsRTP: true})
	if len(changes) != 1 {
		t.Fatal("known colliding address changed SSRC again")
	}

	// after the timeout the address counts as new again
	s.Timeout(now.Add(time.Hour))
	s.ProcessPacket(RawPacket{Data: data, Sender: sender, ReceiveTime: now.Add(time.Hour), IsRTP: true})
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}

	// our own looped back packets never collide
	pkt.SSRC = s.SSRC()
	data, _ = pkt.Marshal()
	self := NewIPv4Address(0x7f000001, rx.LocalRTPPort())
	s.ProcessPacket(RawPacket{Data: data, Sender: self, ReceiveTime: now, IsRTP: true})
	if len(changes) != 2 {
		t.Fatal("own packet treated as collision")
	}
}

func TestSessionSendAndReport(t *testing.T) {
	rx := newLoopbackTransmitter(t, true)
	tx := newLoopbackTransmitter(t, true)
	tx.AddDestination(NewIPv4Address(0x7f000001, rx.LocalRTPPort()).WithRTCPMux())

	var got []*rtp.Packet
	done := make(chan struct{})
	recv := NewSession(rx, SessionParams{OnPacket: func(_ RawPacket, p *rtp.Packet) {
		got = append(got, p)
		if len(got) == 2 {
			close(done)
		}
	}})
	send := NewSession(tx, SessionParams{PayloadType: 97, CNAME: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recv.Run(ctx)

	send.SendPacket([]byte("one"), false, 160)
	send.SendPacket([]byte("two"), true, 160)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("packets not delivered")
	}
	cancel()

	if got[1].SequenceNumber != got[0].SequenceNumber+1 || got[1].Timestamp-got[0].Timestamp != 160 {
		t.Fatalf("sequence/timestamp wrong: %+v %+v", got[0].Header, got[1].Header)
	}
	if !got[1].Marker || got[0].PayloadType != 97 || got[0].SSRC != send.SSRC() {
		t.Fatalf("header wrong: %+v", got[1].Header)
	}
	if st := send.Stats(); st.Packets != 2 || st.Octets != 6 {
		t.Fatalf("stats = %+v", st)
	}
	if err := send.SendReport(time.Now()); err != nil {
		t.Fatal(err)
	}
}
