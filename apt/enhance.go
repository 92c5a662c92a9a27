package apt

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// spaceAOffset and spaceBOffset are the first space view columns (after each sync)
	spaceAOffset = 39
	spaceBOffset = 1079
	// spaceWidth is the number of space view columns per channel
	spaceWidth = 47
	// noiseThreshold is the space view standard deviation above which a row is noise
	noiseThreshold = 30.0
)

// isNoiseRow reports whether the space view of either channel is not flat
func isNoiseRow(row []float32) bool {
	return spaceSpread(row, spaceAOffset) > noiseThreshold ||
		spaceSpread(row, spaceBOffset) > noiseThreshold
}

func spaceSpread(row []float32, off int) float64 {
	v := make([]float64, spaceWidth)
	for i := range v {
		v[i] = float64(row[off+i])
	}
	return stat.StdDev(v, nil)
}

// CropNoise removes noisy rows from the start and end of the image, which
// come from the satellite being low on the horizon. Zenith is shifted to
// stay on the same row. It returns the number of rows removed from the top.
func CropNoise(img *Image) int {
	h := img.Height()
	top := 0
	for top < h && isNoiseRow(img.Rows[top]) {
		top++
	}
	if top == h {
		// nothing but noise, leave it alone
		return 0
	}
	bottom := h - 1
	for bottom > top && isNoiseRow(img.Rows[bottom]) {
		bottom--
	}
	img.Rows = img.Rows[top : bottom+1]
	img.Zenith -= top
	if img.Zenith < 0 {
		img.Zenith = 0
	}
	if img.Zenith >= img.Height() {
		img.Zenith = img.Height() - 1
	}
	return top
}

// Denoise applies a 3x3 median filter inside the video columns of the
// channel starting at off. Neighbours outside the block are not used.
func Denoise(img *Image, off int) {
	h := img.Height()
	if h == 0 {
		return
	}
	src := make([][]float32, h)
	for r := range img.Rows {
		src[r] = append([]float32(nil), img.Rows[r][off:off+ChannelWidth]...)
	}
	var win [9]float32
	for r := 0; r < h; r++ {
		for c := 0; c < ChannelWidth; c++ {
			n := 0
			for dr := -1; dr <= 1; dr++ {
				rr := r + dr
				if rr < 0 || rr >= h {
					continue
				}
				for dc := -1; dc <= 1; dc++ {
					cc := c + dc
					if cc < 0 || cc >= ChannelWidth {
						continue
					}
					win[n] = src[rr][cc]
					n++
				}
			}
			w := win[:n]
			sort.Slice(w, func(i, j int) bool { return w[i] < w[j] })
			img.Rows[r][off+c] = w[n/2]
		}
	}
}

// Flip rotates the video block of the channel starting at off by 180
// degrees. Used for passes going north to south.
func Flip(img *Image, off int) {
	h := img.Height()
	for top, bottom := 0, h-1; top <= bottom; top, bottom = top+1, bottom-1 {
		a := img.Rows[top][off : off+ChannelWidth]
		b := img.Rows[bottom][off : off+ChannelWidth]
		if top == bottom {
			reverse(a)
			break
		}
		for i := 0; i < ChannelWidth; i++ {
			a[i], b[ChannelWidth-1-i] = b[ChannelWidth-1-i], a[i]
		}
	}
}

func reverse(v []float32) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

// FlipImage flips both channels and moves the zenith to match
func FlipImage(img *Image) {
	Flip(img, ChannelAOffset)
	Flip(img, ChannelBOffset)
	if img.Height() > 0 {
		img.Zenith = img.Height() - 1 - img.Zenith
	}
}

// channelValues copies the video block of one channel into a flat slice
func channelValues(img *Image, off int) []float64 {
	v := make([]float64, 0, img.Height()*ChannelWidth)
	for _, row := range img.Rows {
		for _, p := range row[off : off+ChannelWidth] {
			v = append(v, float64(p))
		}
	}
	return v
}

// LinearEqualise stretches the channel starting at off to span 0..255
func LinearEqualise(img *Image, off int) {
	if img.Height() == 0 {
		return
	}
	v := channelValues(img, off)
	lo, hi := floats.Min(v), floats.Max(v)
	if hi <= lo {
		return
	}
	scale := 255 / (hi - lo)
	for _, row := range img.Rows {
		for c := off; c < off+ChannelWidth; c++ {
			row[c] = float32((float64(row[c]) - lo) * scale)
		}
	}
}

// HistogramEqualise remaps the channel starting at off through its
// cumulative 256 bin histogram
func HistogramEqualise(img *Image, off int) {
	if img.Height() == 0 {
		return
	}
	var hist [256]int
	for _, row := range img.Rows {
		for _, p := range row[off : off+ChannelWidth] {
			hist[RoundAndClip(p)]++
		}
	}
	var cdf [256]float64
	total := float64(img.Height() * ChannelWidth)
	acc := 0
	for i, n := range hist {
		acc += n
		cdf[i] = float64(acc) / total * 255
	}
	for _, row := range img.Rows {
		for c := off; c < off+ChannelWidth; c++ {
			row[c] = float32(cdf[RoundAndClip(row[c])])
		}
	}
}
