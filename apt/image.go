package apt

import (
	"math"
)

// Image is an accumulated pass. Rows holds up to MaxHeight rows of
// ImageWidth values; ChA and ChB are the channel IDs found by calibration.
type Image struct {
	Rows   [][]float32
	Zenith int
	ChA    int
	ChB    int
}

// NewImage returns an empty image
func NewImage() *Image {
	return &Image{Rows: make([][]float32, 0, 256)}
}

// Height returns the number of rows
func (img *Image) Height() int { return len(img.Rows) }

// Full reports whether the image has reached MaxHeight
func (img *Image) Full() bool { return len(img.Rows) >= MaxHeight }

// Append adds a copy of row. It returns false once the image is full.
func (img *Image) Append(row []float32) bool {
	if img.Full() {
		return false
	}
	r := make([]float32, ImageWidth)
	copy(r, row)
	img.Rows = append(img.Rows, r)
	return true
}

// Clone returns a deep copy, including row count and calibration tags
func (img *Image) Clone() *Image {
	c := &Image{
		Rows:   make([][]float32, len(img.Rows)),
		Zenith: img.Zenith,
		ChA:    img.ChA,
		ChB:    img.ChB,
	}
	for i, r := range img.Rows {
		c.Rows[i] = append([]float32(nil), r...)
	}
	return c
}

// Reset empties the image
func (img *Image) Reset() {
	img.Rows = img.Rows[:0]
	img.Zenith = 0
	img.ChA = 0
	img.ChB = 0
}

// Labels returns the wavelength band names for both channels
func (img *Image) Labels() []string {
	return []string{ChannelLabel(img.ChA), ChannelLabel(img.ChB)}
}

// wedgeRows is the number of rows per telemetry wedge
const wedgeRows = CalibrationRows / 16

// wedgeTemplate is the expected level of wedges 1..9 (8 step wedge, then zero)
var wedgeTemplate = []float64{31, 63, 95, 127, 159, 191, 223, 255, 0}

// CanCalibrate reports whether there are enough rows to find the telemetry frame
func (img *Image) CanCalibrate() bool {
	return float64(img.Height()) >= 1.7*CalibrationRows
}

// Calibrate identifies the sensor channel in both halves of the image from
// the telemetry wedges. It returns false when there are too few rows.
func (img *Image) Calibrate() bool {
	if !img.CanCalibrate() {
		return false
	}
	img.ChA = img.calibrateChannel(ChannelAOffset + ChannelWidth)
	img.ChB = img.calibrateChannel(ChannelBOffset + ChannelWidth)
	return true
}

// calibrateChannel finds the frame phase of the telemetry strip starting at
// column col and returns the channel ID carried in wedge 16, or 0.
func (img *Image) calibrateChannel(col int) int {
	h := img.Height()
	tel := make([]float64, h)
	for r, row := range img.Rows {
		sum := 0.0
		for c := col + 10; c < col+TelemetryWidth-10; c++ {
			sum += float64(row[c])
		}
		tel[r] = sum / float64(TelemetryWidth-20)
	}

	bestPhase := -1
	bestScore := math.Inf(-1)
	var bestWedges []float64
	for phase := 0; phase < CalibrationRows; phase++ {
		w := frameWedges(tel, phase)
		if w == nil {
			continue
		}
		score := 0.0
		for i, t := range wedgeTemplate {
			score += w[i] * (t - 127)
		}
		if score > bestScore {
			bestScore = score
			bestPhase = phase
			bestWedges = w
		}
	}
	if bestPhase < 0 {
		return 0
	}

	// no contrast between the step wedges means no usable telemetry
	if bestWedges[7]-bestWedges[8] < 64 {
		return 0
	}

	id := 0
	best := math.Inf(1)
	for i := 0; i < 6; i++ {
		d := math.Abs(bestWedges[15] - bestWedges[i])
		if d < best {
			best = d
			id = i + 1
		}
	}
	return id
}

// frameWedges averages the 16 wedges over every complete frame starting at
// phase. Edge rows of each wedge are skipped. It returns nil when no frame fits.
func frameWedges(tel []float64, phase int) []float64 {
	frames := (len(tel) - phase) / CalibrationRows
	if frames < 1 {
		return nil
	}
	w := make([]float64, 16)
	for f := 0; f < frames; f++ {
		base := phase + f*CalibrationRows
		for j := 0; j < 16; j++ {
			sum := 0.0
			for r := 1; r < wedgeRows-1; r++ {
				sum += tel[base+j*wedgeRows+r]
			}
			w[j] += sum / float64(wedgeRows-2)
		}
	}
	for j := range w {
		w[j] /= float64(frames)
	}
	return w
}
