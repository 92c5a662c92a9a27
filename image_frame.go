package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image/png"
	"sync"

	"github.com/cwsl/ka9q_aptrx/apt"
	"github.com/klauspost/compress/zstd"
)

// Binary image frame format
// =========================
//
// Live image data goes to browsers as binary websocket messages. Every
// frame starts with the same 9 byte header, all integers big-endian:
//
// Offset | Size | Description
// -------|------|-------------------------------------------------------
// 0      | 1    | Frame type (low 7 bits), bit 7 set = payload is zstd
// 1      | 4    | Row: image height when the frame was produced
// 5      | 4    | Width in pixels
// 9      | N    | Payload
//
// LINE (0x01): payload is one scanline, width grayscale bytes cropped to
// the selected channels.
//
// IMAGE (0x02): payload is [meta length:4][meta JSON][PNG]. The PNG is the
// whole processed image; the metadata carries satellite, labels and zenith.
//
// Only the payload is compressed, so clients can read the header before
// deciding whether to decompress.
const (
	FrameTypeLine  byte = 0x01
	FrameTypeImage byte = 0x02

	frameCompressedFlag byte = 0x80
	frameHeaderSize          = 9
)

// ImageMeta accompanies an image frame
type ImageMeta struct {
	Satellite string   `json:"satellite"`
	Labels    []string `json:"labels,omitempty"`
	Zenith    int      `json:"zenith"`
	Height    int      `json:"height"`
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return encoder
	},
}

// FrameEncoder turns worker events into binary frames
type FrameEncoder struct {
	compress bool
}

// NewFrameEncoder creates an encoder; with compress set payloads are zstd
// compressed
func NewFrameEncoder(compress bool) *FrameEncoder {
	return &FrameEncoder{compress: compress}
}

// Encode returns the frame for a line or image event, or nil for events
// that have no binary form
func (fe *FrameEncoder) Encode(ev apt.Event) ([]byte, error) {
	switch ev.Type {
	case apt.EventLine:
		return fe.frame(FrameTypeLine, ev.Row, len(ev.Line), ev.Line), nil
	case apt.EventImage:
		if ev.Image == nil || ev.Image.Image == nil {
			return nil, nil
		}
		payload, err := imagePayload(ev)
		if err != nil {
			return nil, err
		}
		return fe.frame(FrameTypeImage, ev.Row, ev.Image.Image.Bounds().Dx(), payload), nil
	}
	return nil, nil
}

func imagePayload(ev apt.Event) ([]byte, error) {
	meta, err := json.Marshal(ImageMeta{
		Satellite: ev.Satellite,
		Labels:    ev.Image.Labels,
		Zenith:    ev.Image.Zenith,
		Height:    ev.Image.Height,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image metadata: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(4 + len(meta) + 256*1024)
	binary.Write(&buf, binary.BigEndian, uint32(len(meta)))
	buf.Write(meta)
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, ev.Image.Image); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func (fe *FrameEncoder) frame(typ byte, row, width int, payload []byte) []byte {
	if fe.compress {
		encoder := zstdEncoderPool.Get().(*zstd.Encoder)
		payload = encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		zstdEncoderPool.Put(encoder)
		typ |= frameCompressedFlag
	}
	msg := make([]byte, frameHeaderSize+len(payload))
	msg[0] = typ
	binary.BigEndian.PutUint32(msg[1:5], uint32(row))
	binary.BigEndian.PutUint32(msg[5:9], uint32(width))
	copy(msg[frameHeaderSize:], payload)
	return msg
}

// DecodedFrame is a parsed frame, used by tests and Go clients
type DecodedFrame struct {
	Type    byte
	Row     int
	Width   int
	Payload []byte
	Meta    *ImageMeta
}

// DecodeFrame parses and, if needed, decompresses a frame
func DecodeFrame(msg []byte) (*DecodedFrame, error) {
	if len(msg) < frameHeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(msg))
	}
	f := &DecodedFrame{
		Type:    msg[0] &^ frameCompressedFlag,
		Row:     int(binary.BigEndian.Uint32(msg[1:5])),
		Width:   int(binary.BigEndian.Uint32(msg[5:9])),
		Payload: msg[frameHeaderSize:],
	}
	if msg[0]&frameCompressedFlag != 0 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		f.Payload, err = dec.DecodeAll(f.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress frame: %w", err)
		}
	}

	switch f.Type {
	case FrameTypeLine:
		if len(f.Payload) != f.Width {
			return nil, fmt.Errorf("line frame: %d bytes for width %d", len(f.Payload), f.Width)
		}
	case FrameTypeImage:
		if len(f.Payload) < 4 {
			return nil, fmt.Errorf("image frame without metadata")
		}
		n := int(binary.BigEndian.Uint32(f.Payload[:4]))
		if n > len(f.Payload)-4 {
			return nil, fmt.Errorf("image metadata length %d exceeds frame", n)
		}
		f.Meta = &ImageMeta{}
		if err := json.Unmarshal(f.Payload[4:4+n], f.Meta); err != nil {
			return nil, fmt.Errorf("image metadata: %w", err)
		}
		f.Payload = f.Payload[4+n:]
	default:
		return nil, fmt.Errorf("unknown frame type 0x%02x", f.Type)
	}
	return f, nil
}
