//go:build !opus
// +build !opus

package main

import "errors"

// opusAvailable reports whether the binary was built with Opus support
const opusAvailable = false

var errOpusNotCompiled = errors.New("opus support not compiled in (install libopus-dev and rebuild with -tags opus)")

// opusFrameEncoder is the stub used without the opus build tag
type opusFrameEncoder struct{}

func newOpusEncoder(sampleRate, bitrate int) (*opusFrameEncoder, error) {
	return nil, errOpusNotCompiled
}

// Encode always fails in the stub
func (e *opusFrameEncoder) Encode(pcm []int16) ([]byte, error) {
	return nil, errOpusNotCompiled
}
