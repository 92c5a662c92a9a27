package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVRecorder writes the demodulated audio of a pass as 16-bit mono WAV
type WAVRecorder struct {
	dir  string
	rate int

	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	path    string
	samples int
	buf     audio.IntBuffer
}

// NewWAVRecorder creates a recorder writing rate Hz files into dir
func NewWAVRecorder(dir string, rate int) *WAVRecorder {
	return &WAVRecorder{
		dir:  dir,
		rate: rate,
		buf: audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
			SourceBitDepth: 16,
		},
	}
}

// Start begins a new recording named name.wav, finishing any open one
func (r *WAVRecorder) Start(name string) (string, error) {
	if r == nil {
		return "", nil
	}
	r.Stop()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create recordings dir: %w", err)
	}
	path := filepath.Join(r.dir, name+".wav")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create recording: %w", err)
	}

	r.mu.Lock()
	r.file = f
	r.enc = wav.NewEncoder(f, r.rate, 16, 1, 1)
	r.path = path
	r.samples = 0
	r.mu.Unlock()

	log.Printf("[WAV] Recording to %s", path)
	return path, nil
}

// Recording reports whether a file is open
func (r *WAVRecorder) Recording() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc != nil
}

// Write appends samples in [-1, 1]; it does nothing when no file is open
func (r *WAVRecorder) Write(samples []float32) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return nil
	}

	if cap(r.buf.Data) < len(samples) {
		r.buf.Data = make([]int, len(samples))
	}
	r.buf.Data = r.buf.Data[:len(samples)]
	for i, s := range samples {
		r.buf.Data[i] = int(clampUnit(s) * 32767)
	}
	if err := r.enc.Write(&r.buf); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	r.samples += len(samples)
	return nil
}

// Stop finalises the WAV header and closes the file. It returns the path
// of the finished recording, or "" when nothing was open.
func (r *WAVRecorder) Stop() (string, error) {
	if r == nil {
		return "", nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return "", nil
	}

	err := r.enc.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	path := r.path
	log.Printf("[WAV] Finished %s (%.1f s)", path, float64(r.samples)/float64(r.rate))
	r.enc, r.file, r.path = nil, nil, ""
	if err != nil {
		return path, fmt.Errorf("failed to close recording: %w", err)
	}
	return path, nil
}

// Run writes audio from in until ctx is done or in is closed
func (r *WAVRecorder) Run(ctx context.Context, in <-chan []float32) {
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return
		case samples, ok := <-in:
			if !ok {
				r.Stop()
				return
			}
			if err := r.Write(samples); err != nil {
				log.Printf("[WAV] %v", err)
			}
		}
	}
}

func clampUnit(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
