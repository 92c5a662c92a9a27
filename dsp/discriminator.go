package dsp

import (
	"math"
	"math/cmplx"
)

// Discriminator is a quadrature FM discriminator. Output is normalised so
// that a frequency excursion equal to the deviation gives 1.0.
type Discriminator struct {
	sampleRate float64
	scale      float64
	prev       complex64
}

// NewDiscriminator creates a discriminator for the given rate and deviation
func NewDiscriminator(sampleRate, deviation float64) *Discriminator {
	d := &Discriminator{sampleRate: sampleRate}
	d.SetDeviation(deviation)
	return d
}

// SetDeviation updates the output scaling; phase history is kept
func (d *Discriminator) SetDeviation(deviation float64) {
	if deviation <= 0 {
		d.scale = 0
		return
	}
	d.scale = d.sampleRate / (2 * math.Pi * deviation)
}

// Demod returns the instantaneous frequency of x relative to the previous sample
func (d *Discriminator) Demod(x complex64) float32 {
	p := complex128(x) * cmplx.Conj(complex128(d.prev))
	d.prev = x
	return float32(cmplx.Phase(p) * d.scale)
}

// Reset clears phase history
func (d *Discriminator) Reset() {
	d.prev = 0
}
