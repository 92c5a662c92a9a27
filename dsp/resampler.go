package dsp

// Resampler converts a complex stream between two sample rates using
// linear interpolation. State carries across calls, so the output does not
// depend on how the input is chunked.
type Resampler struct {
	step float64 // input samples per output sample
	t    float64 // position of the next output between prev and the next input
	prev complex64
}

// NewResampler creates a resampler from inRate to outRate
func NewResampler(inRate, outRate float64) *Resampler {
	return &Resampler{step: inRate / outRate}
}

// Ratio returns the number of input samples consumed per output sample
func (r *Resampler) Ratio() float64 {
	return r.step
}

// Process consumes one input sample and calls emit for every output sample
// that falls between the previous input and this one.
func (r *Resampler) Process(x complex64, emit func(complex64)) {
	for r.t < 1 {
		frac := float32(r.t)
		emit(r.prev + (x-r.prev)*complex(frac, 0))
		r.t += r.step
	}
	r.t -= 1
	r.prev = x
}

// Reset clears interpolation state
func (r *Resampler) Reset() {
	r.t = 0
	r.prev = 0
}
