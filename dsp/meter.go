package dsp

// LevelMeter tracks magnitude-squared signal level. The average and peak
// accumulate until Read is called, which returns them and starts over.
type LevelMeter struct {
	alpha    float64
	smoothed float64
	sum      float64
	count    int
	peak     float64
}

// NewLevelMeter creates a meter whose smoothed value is an EMA with the given
// coefficient (0 < alpha <= 1).
func NewLevelMeter(alpha float64) *LevelMeter {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.01
	}
	return &LevelMeter{alpha: alpha}
}

// Add records one magnitude-squared sample
func (m *LevelMeter) Add(magsq float64) {
	m.smoothed += m.alpha * (magsq - m.smoothed)
	m.sum += magsq
	m.count++
	if magsq > m.peak {
		m.peak = magsq
	}
}

// Smoothed returns the running EMA
func (m *LevelMeter) Smoothed() float64 {
	return m.smoothed
}

// Read returns the average and peak since the previous Read and resets them
func (m *LevelMeter) Read() (avg, peak float64) {
	if m.count > 0 {
		avg = m.sum / float64(m.count)
	}
	peak = m.peak
	m.sum = 0
	m.count = 0
	m.peak = 0
	return avg, peak
}
