package apt

import (
	"fmt"
	"log"
	"sync"

	"github.com/cwsl/ka9q_aptrx/dsp"
)

const (
	channelFilterTaps = 65
	audioFilterTaps   = 63
	// audioCutoff keeps the 2400 Hz subcarrier and its sidebands
	audioCutoff = 4800.0
	meterAlpha  = 0.01
)

// RowSink receives decoded rows. SubmitRow must not block. ResetRows
// discards rows already submitted; it is called with the decode lock held.
type RowSink interface {
	SubmitRow(row []float32, zenith int)
	ResetRows()
}

// DemodStats is a snapshot of the decode counters
type DemodStats struct {
	Rows     int    `json:"rows"`
	Zenith   int    `json:"zenith"`
	Backlog  int    `json:"backlog"`
	Overruns uint64 `json:"overruns"`
	Written  uint64 `json:"written"`
}

// Demod turns device rate IQ into image rows. It shifts and filters the
// channel, FM demodulates it, buffers the audio at DecodeRate and runs one
// decode cycle every RowQuantum samples.
type Demod struct {
	mu         sync.Mutex
	deviceRate int
	settings   Settings

	nco         *dsp.NCO
	chanFilter  *dsp.ComplexFIR
	resampler   *dsp.Resampler
	disc        *dsp.Discriminator
	audioFilter *dsp.RealFIR
	decim       int
	meter       *dsp.LevelMeter

	ring    *RingBuffer
	decoder *PixelDecoder
	rows    int
	zenith  int
	sink    RowSink

	tap    chan<- []float32
	tapBuf []float32

	emit func(complex64)
}

// NewDemod creates a demodulator for IQ at deviceRate. Rows are delivered to sink.
func NewDemod(deviceRate int, settings Settings, sink RowSink) (*Demod, error) {
	return newDemod(deviceRate, settings, sink, NewPassBuffer())
}

func newDemod(deviceRate int, settings Settings, sink RowSink, ring *RingBuffer) (*Demod, error) {
	if deviceRate <= 0 {
		return nil, fmt.Errorf("invalid device sample rate %d", deviceRate)
	}
	if err := settings.Validate(deviceRate); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	d := &Demod{
		deviceRate:  deviceRate,
		settings:    settings,
		disc:        dsp.NewDiscriminator(ChannelRate, settings.FMDeviation),
		audioFilter: dsp.NewRealFIR(dsp.DesignLowPass(audioFilterTaps, audioCutoff, ChannelRate)),
		meter:       dsp.NewLevelMeter(meterAlpha),
		ring:        ring,
		decoder:     NewPixelDecoder(),
		sink:        sink,
	}
	d.emit = d.channelSample
	d.configureChannel()
	return d, nil
}

// configureChannel rebuilds the NCO, channel filter and resampler
func (d *Demod) configureChannel() {
	rate := float64(d.deviceRate)
	cutoff := d.settings.RFBandwidth / 2
	if cutoff > 0.45*rate {
		cutoff = 0.45 * rate
	}
	d.nco = dsp.NewNCO(float64(d.settings.InputFrequencyOffset), rate)
	d.chanFilter = dsp.NewComplexFIR(dsp.DesignLowPass(channelFilterTaps, cutoff, rate))
	d.resampler = dsp.NewResampler(rate, ChannelRate)
	if Debug {
		log.Printf("[APT] DEBUG: channel configured: offset=%d Hz, bandwidth=%.0f Hz, resample %d -> %d",
			d.settings.InputFrequencyOffset, d.settings.RFBandwidth, d.deviceRate, ChannelRate)
	}
}

// SetAudioTap sets a channel that receives copies of the decode rate audio.
// Sends never block; a nil channel disables the tap.
func (d *Demod) SetAudioTap(tap chan<- []float32) {
	d.mu.Lock()
	d.tap = tap
	d.mu.Unlock()
}

// Settings returns the settings currently in effect
func (d *Demod) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// ApplySettings validates and installs new settings. The channel chain is
// rebuilt only when the offset or bandwidth changed, or force is set. On
// error the previous settings stay in effect.
func (d *Demod) ApplySettings(s Settings, force bool) error {
	if err := s.Validate(d.deviceRate); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	changes := Changes(d.settings, s)
	d.settings = s
	if changes.Reconfigure || force {
		d.configureChannel()
	}
	d.disc.SetDeviation(s.FMDeviation)
	return nil
}

// Feed runs a block of device rate IQ through the demodulator
func (d *Demod) Feed(iq []complex64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range iq {
		x := d.chanFilter.Filter(d.nco.Mix(s))
		d.meter.Add(float64(real(x)*real(x) + imag(x)*imag(x)))
		d.resampler.Process(x, d.emit)
	}
	d.flushTap()
}

// FeedAudio writes already demodulated DecodeRate audio into the buffer
func (d *Demod) FeedAudio(audio []float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range audio {
		d.writeAudio(a)
	}
	d.flushTap()
}

// channelSample handles one ChannelRate sample
func (d *Demod) channelSample(x complex64) {
	a := d.audioFilter.Filter(d.disc.Demod(x))
	d.decim++
	if d.decim < AudioDecimation {
		return
	}
	d.decim = 0
	d.writeAudio(a)
}

func (d *Demod) writeAudio(a float32) {
	if !d.settings.DecodeEnabled {
		return
	}
	d.ring.Write(a)
	if d.tap != nil {
		d.tapBuf = append(d.tapBuf, a)
	}
	if d.ring.Backlog() >= RowQuantum {
		d.decodeCycle()
	}
}

func (d *Demod) decodeCycle() {
	row, zenith := d.decoder.DecodeRow(d.rows == 0, d.ring.Read)
	d.rows++
	d.zenith = zenith
	if d.sink != nil {
		d.sink.SubmitRow(row, zenith)
	}
}

func (d *Demod) flushTap() {
	if d.tap == nil || len(d.tapBuf) == 0 {
		return
	}
	out := make([]float32, len(d.tapBuf))
	copy(out, d.tapBuf)
	d.tapBuf = d.tapBuf[:0]
	select {
	case d.tap <- out:
	default:
	}
}

// ResetDecoder clears the audio buffer, the decoder state and the sink's
// rows. It can be called at any time, including mid row. No row decoded
// before the reset can reach the sink after it.
func (d *Demod) ResetDecoder() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ring.Reset()
	d.decoder.Reset()
	d.rows = 0
	d.zenith = 0
	if d.sink != nil {
		d.sink.ResetRows()
	}
}

// Levels returns the average and peak channel power since the last call
func (d *Demod) Levels() (avg, peak float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.meter.Read()
}

// Stats returns the decode counters
func (d *Demod) Stats() DemodStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DemodStats{
		Rows:     d.rows,
		Zenith:   d.zenith,
		Backlog:  d.ring.Backlog(),
		Overruns: d.ring.Overruns(),
		Written:  d.ring.TotalWritten(),
	}
}
