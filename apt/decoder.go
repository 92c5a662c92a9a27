package apt

import (
	"log"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	// subcarrierHz is the AM subcarrier carrying the video
	subcarrierHz = 2400
	// wordRate is the APT word rate (two lines of 2080 words per second)
	wordRate = 4160
	// carrierPeriod is the subcarrier period in samples at DecodeRate
	carrierPeriod = DecodeRate / subcarrierHz
	// agcAlpha smooths the per-row level estimates
	agcAlpha = 0.2
)

// syncATemplate is sync A at word resolution: 4 low, seven 1040 Hz cycles, 7 low
var syncATemplate = func() []float64 {
	t := make([]float64, 0, 39)
	for i := 0; i < 4; i++ {
		t = append(t, -1)
	}
	for i := 0; i < 7; i++ {
		t = append(t, 1, 1, -1, -1)
	}
	for i := 0; i < 7; i++ {
		t = append(t, -1)
	}
	return t
}()

// PixelDecoder turns DecodeRate audio into 2080 word image rows. It pulls
// its input through a fill function and never blocks: if fill returns short
// the row is zero padded.
type PixelDecoder struct {
	// subcarrier mixer, one entry per sample of a carrier period
	cosTable [carrierPeriod]float64
	sinTable [carrierPeriod]float64
	phase    int

	// boxcar over one carrier period
	iHist [carrierPeriod]float64
	qHist [carrierPeriod]float64
	iSum  float64
	qSum  float64
	hist  int

	// word integration, in units of 1/DecodeRate words
	wordPos   int
	wordAcc   float64
	wordCount int
	words     []float64

	// AGC levels in envelope units
	agcLow   float64
	agcHigh  float64
	agcValid bool

	rows       int
	zenith     int
	zenithMean float64

	audio []float32
}

// NewPixelDecoder returns a decoder in its reset state
func NewPixelDecoder() *PixelDecoder {
	d := &PixelDecoder{
		audio: make([]float32, RowQuantum),
		words: make([]float64, 0, 2*ImageWidth),
	}
	for i := 0; i < carrierPeriod; i++ {
		ph := 2 * math.Pi * float64(i) / carrierPeriod
		d.cosTable[i] = math.Cos(ph)
		d.sinTable[i] = math.Sin(ph)
	}
	return d
}

// Reset clears all decoder state
func (d *PixelDecoder) Reset() {
	d.phase = 0
	d.iHist = [carrierPeriod]float64{}
	d.qHist = [carrierPeriod]float64{}
	d.iSum, d.qSum = 0, 0
	d.hist = 0
	d.wordPos, d.wordAcc, d.wordCount = 0, 0, 0
	d.words = d.words[:0]
	d.agcLow, d.agcHigh, d.agcValid = 0, 0, false
	d.rows = 0
	d.zenith = 0
	d.zenithMean = 0
}

// Rows returns the number of rows decoded since reset
func (d *PixelDecoder) Rows() int { return d.rows }

// Zenith returns the row with the strongest signal seen since reset
func (d *PixelDecoder) Zenith() int { return d.zenith }

// DecodeRow pulls one RowQuantum of audio through fill and returns the next
// row of ImageWidth values scaled to 0..255. With first set the decoder
// re-acquires frame sync and the returned row is right aligned so that the
// following rows start on sync A.
func (d *PixelDecoder) DecodeRow(first bool, fill func(dst []float32) int) ([]float32, int) {
	n := fill(d.audio)
	if n < 0 {
		n = 0
	}
	if n > len(d.audio) {
		n = len(d.audio)
	}
	for _, x := range d.audio[:n] {
		d.processSample(float64(x))
	}

	raw := make([]float64, ImageWidth)
	var take, start int
	if first {
		k := d.findSync()
		if Debug {
			log.Printf("[APT] DEBUG: sync acquired at word %d (%d words queued)", k, len(d.words))
		}
		if k > len(d.words) {
			k = len(d.words)
		}
		start = ImageWidth - k
		copy(raw[start:], d.words[:k])
		take = k
	} else {
		take = len(d.words)
		if take > ImageWidth {
			take = ImageWidth
		}
		copy(raw, d.words[:take])
	}
	d.words = append(d.words[:0], d.words[take:]...)

	row := d.scale(raw[start:start+take], start)

	if take > 0 {
		m := stat.Mean(raw[start:start+take], nil)
		if d.rows == 0 || m > d.zenithMean {
			d.zenithMean = m
			d.zenith = d.rows
		}
	}
	d.rows++
	return row, d.zenith
}

func (d *PixelDecoder) processSample(x float64) {
	i := x * d.cosTable[d.phase]
	q := x * d.sinTable[d.phase]
	d.phase++
	if d.phase == carrierPeriod {
		d.phase = 0
	}

	d.iSum += i - d.iHist[d.hist]
	d.qSum += q - d.qHist[d.hist]
	d.iHist[d.hist] = i
	d.qHist[d.hist] = q
	d.hist++
	if d.hist == carrierPeriod {
		d.hist = 0
	}
	env := 2 * math.Hypot(d.iSum, d.qSum) / carrierPeriod

	d.wordAcc += env
	d.wordCount++
	d.wordPos += wordRate
	if d.wordPos >= DecodeRate {
		d.wordPos -= DecodeRate
		d.words = append(d.words, d.wordAcc/float64(d.wordCount))
		d.wordAcc = 0
		d.wordCount = 0
	}
}

// findSync returns the word offset of the best sync A match in the queue
func (d *PixelDecoder) findSync() int {
	tl := len(syncATemplate)
	limit := len(d.words) - tl
	if limit > ImageWidth-1 {
		limit = ImageWidth - 1
	}
	best := 0
	bestScore := math.Inf(-1)
	for k := 0; k <= limit; k++ {
		win := d.words[k : k+tl]
		mean := stat.Mean(win, nil)
		score := 0.0
		for j, t := range syncATemplate {
			score += (win[j] - mean) * t
		}
		if score > bestScore {
			bestScore = score
			best = k
		}
	}
	return best
}

// scale maps envelope words to 0..255 using slowly tracked percentiles and
// places them in a row starting at column start. Other columns stay zero.
func (d *PixelDecoder) scale(signal []float64, start int) []float32 {
	row := make([]float32, ImageWidth)
	if len(signal) == 0 {
		return row
	}

	sorted := append([]float64(nil), signal...)
	sort.Float64s(sorted)
	lo := stat.Quantile(0.01, stat.Empirical, sorted, nil)
	hi := stat.Quantile(0.99, stat.Empirical, sorted, nil)
	if !d.agcValid {
		d.agcLow, d.agcHigh, d.agcValid = lo, hi, true
	} else {
		d.agcLow += agcAlpha * (lo - d.agcLow)
		d.agcHigh += agcAlpha * (hi - d.agcHigh)
	}

	span := d.agcHigh - d.agcLow
	if span <= 0 {
		return row
	}
	for i, w := range signal {
		row[start+i] = float32((w - d.agcLow) / span * 255)
	}
	return row
}
