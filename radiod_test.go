package main

import (
	"bytes"
	"math"
	"net"
	"testing"
)

func TestControlCommandEncoding(t *testing.T) {
	tests := []struct {
		name string
		x    uint64
		want []byte
	}{
		{"zero has no value bytes", 0, []byte{0x6A, 0}},
		{"one byte", 5, []byte{0x6A, 1, 5}},
		{"leading zeros dropped", 0x0100, []byte{0x6A, 2, 1, 0}},
		{"full width", math.MaxUint64, []byte{0x6A, 8, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &controlCommand{}
			c.putUint(tagStatusInterval, tt.x)
			if !bytes.Equal(c.buf, tt.want) {
				t.Errorf("putUint(%#x) = %x, want %x", tt.x, c.buf, tt.want)
			}
		})
	}
}

func TestControlCommandPacket(t *testing.T) {
	c := newControlCommand(137100)
	c.putString(tagPreset, "iq48")
	pkt := c.finish(7)

	want := []byte{pktTypeCommand, tagOutputSSRC, 3, 0x02, 0x17, 0x8c, tagPreset, 4, 'i', 'q', '4', '8', tagCommandTag, 1, 7, tagEOL}
	if !bytes.Equal(pkt, want) {
		t.Errorf("packet = %x, want %x", pkt, want)
	}
}

func TestPutDouble(t *testing.T) {
	c := &controlCommand{}
	c.putDouble(tagRadioFrequency, 137.1e6)
	if c.buf[0] != tagRadioFrequency || int(c.buf[1]) != len(c.buf)-2 {
		t.Fatalf("bad TLV header %x", c.buf)
	}
	var bits uint64
	for _, b := range c.buf[2:] {
		bits = bits<<8 | uint64(b)
	}
	if got := math.Float64frombits(bits); got != 137.1e6 {
		t.Errorf("decoded %v", got)
	}
}

func TestMakeMaddr(t *testing.T) {
	for _, name := range []string{"hf-pcm.local", "hf-status.local", "apt", ""} {
		ip := makeMaddr(name).To4()
		if ip == nil || ip[0] != 239 {
			t.Errorf("makeMaddr(%q) = %v, want 239.x.x.x", name, ip)
			continue
		}
		if ip[1]&0x7f == 0 && ip[2] == 0 {
			t.Errorf("makeMaddr(%q) = %v shares a MAC with 224.0.0.0/24", name, ip)
		}
		if !makeMaddr(name).Equal(ip) {
			t.Errorf("makeMaddr(%q) is not stable", name)
		}
	}
}

func TestResolveMulticastAddrFallback(t *testing.T) {
	addr, err := resolveMulticastAddr("no-such-host.invalid:5004")
	if err != nil {
		t.Fatal(err)
	}
	if addr.Port != 5004 || !addr.IP.Equal(makeMaddr("no-such-host.invalid")) {
		t.Errorf("got %v", addr)
	}

	addr, err = resolveMulticastAddr("239.1.2.3:5006")
	if err != nil {
		t.Fatal(err)
	}
	if !addr.IP.Equal(net.IPv4(239, 1, 2, 3)) || addr.Port != 5006 {
		t.Errorf("got %v", addr)
	}

	if _, err := resolveMulticastAddr("no-such-host.invalid:x"); err == nil {
		t.Error("expected error for bad port")
	}
}

func TestChannelSSRC(t *testing.T) {
	if got := channelSSRC(0, 137100000); got != 137100 {
		t.Errorf("derived ssrc = %d", got)
	}
	if got := channelSSRC(42, 137100000); got != 42 {
		t.Errorf("explicit ssrc = %d", got)
	}
}
