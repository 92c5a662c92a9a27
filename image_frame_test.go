package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/cwsl/ka9q_aptrx/apt"
)

func TestLineFrame(t *testing.T) {
	line := bytes.Repeat([]byte{0x10, 0xf0}, apt.ChannelWidth)
	for _, compress := range []bool{false, true} {
		msg, err := NewFrameEncoder(compress).Encode(apt.Event{Type: apt.EventLine, Row: 42, Line: line})
		if err != nil {
			t.Fatal(err)
		}
		if compress != (msg[0]&frameCompressedFlag != 0) {
			t.Errorf("compress=%v type byte 0x%02x", compress, msg[0])
		}
		if compress && len(msg) >= frameHeaderSize+len(line) {
			t.Errorf("compressed frame is %d bytes", len(msg))
		}
		f, err := DecodeFrame(msg)
		if err != nil {
			t.Fatal(err)
		}
		if f.Type != FrameTypeLine || f.Row != 42 || f.Width != len(line) || !bytes.Equal(f.Payload, line) {
			t.Errorf("compress=%v decoded %+v", compress, f)
		}
	}
}

func TestImageFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, apt.ImageWidth, 3))
	img.Set(5, 1, color.RGBA{R: 200, A: 255})
	ev := apt.Event{
		Type:      apt.EventImage,
		Row:       3,
		Satellite: "NOAA 15",
		Image:     &apt.Processed{Image: img, Labels: []string{"a", "b"}, Zenith: 1, Height: 3},
	}

	msg, err := NewFrameEncoder(true).Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	f, err := DecodeFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != FrameTypeImage || f.Width != apt.ImageWidth || f.Row != 3 {
		t.Fatalf("header %+v", f)
	}
	if f.Meta.Satellite != "NOAA 15" || f.Meta.Zenith != 1 || len(f.Meta.Labels) != 2 {
		t.Errorf("meta = %+v", f.Meta)
	}
	decoded, err := png.Decode(bytes.NewReader(f.Payload))
	if err != nil {
		t.Fatal(err)
	}
	if r, _, _, _ := decoded.At(5, 1).RGBA(); r>>8 != 200 {
		t.Errorf("pixel red = %d", r>>8)
	}
}

func TestFrameEncoderSkipsOtherEvents(t *testing.T) {
	fe := NewFrameEncoder(false)
	for _, ev := range []apt.Event{
		{Type: apt.EventSaved, Files: []string{"x.png"}},
		{Type: apt.EventImage},
	} {
		msg, err := fe.Encode(ev)
		if err != nil || msg != nil {
			t.Errorf("Encode(%v) = %v, %v", ev.Type, msg, err)
		}
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := map[string][]byte{
		"short":        {0x01, 0, 0},
		"unknown type": {0x07, 0, 0, 0, 0, 0, 0, 0, 0},
		"line width":   {0x01, 0, 0, 0, 1, 0, 0, 0, 4, 1, 2},
		"bad meta len": {0x02, 0, 0, 0, 1, 0, 0, 0, 4, 0, 0, 0, 99, '{'},
	}
	for name, msg := range tests {
		if _, err := DecodeFrame(msg); err == nil {
			t.Errorf("%s: no error", name)
		}
	}
}
