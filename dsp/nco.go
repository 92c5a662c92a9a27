package dsp

import "math"

// NCO is a numerically controlled oscillator used to shift a channel
// offset down to baseband.
type NCO struct {
	phase    float64
	phaseInc float64
}

// NewNCO creates an oscillator that shifts a signal at offset Hz to 0 Hz
func NewNCO(offset, sampleRate float64) *NCO {
	n := &NCO{}
	n.SetFrequency(offset, sampleRate)
	return n
}

// SetFrequency changes the shift without resetting the phase
func (n *NCO) SetFrequency(offset, sampleRate float64) {
	if sampleRate <= 0 {
		n.phaseInc = 0
		return
	}
	n.phaseInc = -2 * math.Pi * offset / sampleRate
}

// Mix multiplies x by the oscillator and advances it one sample
func (n *NCO) Mix(x complex64) complex64 {
	if n.phaseInc == 0 {
		return x
	}
	s, c := math.Sincos(n.phase)
	n.phase += n.phaseInc
	// Keep the accumulator bounded so precision doesn't degrade over a pass
	if n.phase > math.Pi {
		n.phase -= 2 * math.Pi
	} else if n.phase < -math.Pi {
		n.phase += 2 * math.Pi
	}
	return x * complex(float32(c), float32(s))
}
