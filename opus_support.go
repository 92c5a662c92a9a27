//go:build opus
// +build opus

package main

import (
	"fmt"
	"log"

	opus "gopkg.in/hraban/opus.v2"
)

// opusAvailable reports whether the binary was built with Opus support
const opusAvailable = true

// maxOpusPacket bounds one encoded frame
const maxOpusPacket = 4000

// opusFrameEncoder encodes fixed size mono frames
type opusFrameEncoder struct {
	encoder *opus.Encoder
	out     []byte
}

// newOpusEncoder creates a mono encoder tuned for the APT subcarrier
func newOpusEncoder(sampleRate, bitrate int) (*opusFrameEncoder, error) {
	encoder, err := opus.NewEncoder(sampleRate, 1, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus encoder: %w", err)
	}
	if bitrate > 0 {
		if err := encoder.SetBitrate(bitrate); err != nil {
			log.Printf("Warning: Failed to set Opus bitrate: %v", err)
		}
	}
	log.Printf("[FWD] Opus encoder initialized: %d Hz, %d bps", sampleRate, bitrate)
	return &opusFrameEncoder{encoder: encoder, out: make([]byte, maxOpusPacket)}, nil
}

// Encode returns the Opus packet for one frame. The slice is reused by
// the next call.
func (e *opusFrameEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.encoder.Encode(pcm, e.out)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return e.out[:n], nil
}
