package apt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Status combines the demodulator and image worker state
type Status struct {
	Settings Settings     `json:"settings"`
	Demod    DemodStats   `json:"demod"`
	Image    WorkerStatus `json:"image"`
}

// Pipeline is one APT channel: a Demod feeding an ImageWorker
type Pipeline struct {
	mu       sync.Mutex
	settings Settings
	demod    *Demod
	worker   *ImageWorker
}

// NewPipeline creates a channel for IQ at deviceRate
func NewPipeline(deviceRate int, settings Settings) (*Pipeline, error) {
	worker := NewImageWorker(settings)
	demod, err := NewDemod(deviceRate, settings, worker)
	if err != nil {
		return nil, err
	}
	return &Pipeline{settings: settings, demod: demod, worker: worker}, nil
}

// Start starts the image worker
func (p *Pipeline) Start() error {
	return p.worker.Start()
}

// Stop stops the image worker
func (p *Pipeline) Stop() error {
	return p.worker.Stop()
}

// Feed passes device rate IQ to the demodulator
func (p *Pipeline) Feed(iq []complex64) { p.demod.Feed(iq) }

// FeedAudio passes DecodeRate audio straight to the row decoder
func (p *Pipeline) FeedAudio(audio []float32) { p.demod.FeedAudio(audio) }

// SetAudioTap forwards decoded audio copies to tap
func (p *Pipeline) SetAudioTap(tap chan<- []float32) { p.demod.SetAudioTap(tap) }

// Events returns the image worker's event channel
func (p *Pipeline) Events() <-chan Event { return p.worker.Events() }

// Settings returns the current settings
func (p *Pipeline) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Apply merges patch into the current settings and installs the result in
// both stages. Invalid settings are rejected and nothing changes.
func (p *Pipeline) Apply(patch Patch) (Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := ApplyPatch(p.settings, patch)
	if err := p.demod.ApplySettings(next, false); err != nil {
		return p.settings, fmt.Errorf("settings rejected: %w", err)
	}
	p.worker.ApplySettings(next)
	p.settings = next
	if Debug {
		log.Printf("[APT] DEBUG: settings applied: %+v", next)
	}
	return next, nil
}

// Reset clears the decoder and the accumulated image
func (p *Pipeline) Reset() {
	p.demod.ResetDecoder()
}

// SetSatellite sets the name and AOS time used for saved files
func (p *Pipeline) SetSatellite(name string, aos time.Time) {
	p.worker.SetSatellite(name, aos)
}

// Save writes the current image to disk and returns the written paths
func (p *Pipeline) Save(ctx context.Context) ([]string, error) {
	return p.worker.Save(ctx)
}

// ImageStatus returns the image state after every row and setting queued so
// far has been applied
func (p *Pipeline) ImageStatus(ctx context.Context) (WorkerStatus, error) {
	return p.worker.QueuedStatus(ctx)
}

// Pending returns the number of rows and commands queued for the image worker
func (p *Pipeline) Pending() int { return p.worker.Pending() }

// Levels returns average and peak channel power since the last call
func (p *Pipeline) Levels() (avg, peak float64) { return p.demod.Levels() }

// Status returns a snapshot of the channel
func (p *Pipeline) Status() Status {
	return Status{
		Settings: p.Settings(),
		Demod:    p.demod.Stats(),
		Image:    p.worker.Status(),
	}
}
