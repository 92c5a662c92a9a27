package dsp

import (
	"math"

	"github.com/mjibson/go-dsp/window"
)

// DesignLowPass returns a Hamming windowed-sinc low-pass filter with unity
// gain at DC. taps is forced odd so the filter has an integer group delay.
func DesignLowPass(taps int, cutoff, sampleRate float64) []float64 {
	if taps < 3 {
		taps = 3
	}
	if taps%2 == 0 {
		taps++
	}

	fc := cutoff / sampleRate
	if fc > 0.5 {
		fc = 0.5
	}

	win := window.Hamming(taps)
	coeffs := make([]float64, taps)
	mid := (taps - 1) / 2
	sum := 0.0
	for i := range coeffs {
		n := float64(i - mid)
		var h float64
		if n == 0 {
			h = 2 * fc
		} else {
			h = math.Sin(2*math.Pi*fc*n) / (math.Pi * n)
		}
		coeffs[i] = h * win[i]
		sum += coeffs[i]
	}

	if sum != 0 {
		for i := range coeffs {
			coeffs[i] /= sum
		}
	}
	return coeffs
}

// ComplexFIR filters complex samples through a real-valued tap set
type ComplexFIR struct {
	taps    []float32
	buffer  []complex64
	current int
}

// NewComplexFIR creates a complex FIR filter
func NewComplexFIR(coeffs []float64) *ComplexFIR {
	f := &ComplexFIR{
		taps:   make([]float32, len(coeffs)),
		buffer: make([]complex64, len(coeffs)),
	}
	for i, c := range coeffs {
		f.taps[i] = float32(c)
	}
	return f
}

// Filter pushes one sample and returns the filtered output
func (f *ComplexFIR) Filter(x complex64) complex64 {
	n := len(f.taps)
	f.buffer[f.current] = x

	var re, im float32
	idx := f.current
	for i := 0; i < n; i++ {
		v := f.buffer[idx]
		re += real(v) * f.taps[i]
		im += imag(v) * f.taps[i]
		idx--
		if idx < 0 {
			idx = n - 1
		}
	}

	f.current++
	if f.current >= n {
		f.current = 0
	}
	return complex(re, im)
}

// RealFIR filters real samples
type RealFIR struct {
	taps    []float32
	buffer  []float32
	current int
}

// NewRealFIR creates a real FIR filter
func NewRealFIR(coeffs []float64) *RealFIR {
	f := &RealFIR{
		taps:   make([]float32, len(coeffs)),
		buffer: make([]float32, len(coeffs)),
	}
	for i, c := range coeffs {
		f.taps[i] = float32(c)
	}
	return f
}

// Filter pushes one sample and returns the filtered output
func (f *RealFIR) Filter(x float32) float32 {
	n := len(f.taps)
	f.buffer[f.current] = x

	var sum float32
	idx := f.current
	for i := 0; i < n; i++ {
		sum += f.buffer[idx] * f.taps[i]
		idx--
		if idx < 0 {
			idx = n - 1
		}
	}

	f.current++
	if f.current >= n {
		f.current = 0
	}
	return sum
}
