package apt

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
)

// RoundAndClip rounds half up and clamps to a byte
func RoundAndClip(v float32) uint8 {
	r := math.Floor(float64(v) + 0.5)
	if r < 0 || math.IsNaN(r) {
		return 0
	}
	if r > 255 {
		return 255
	}
	return uint8(r)
}

// PrecipitationPalette colours channel B levels from PrecipitationThreshold
// up to 255, light rain through to heavy
var PrecipitationPalette = buildPrecipitationPalette()

func buildPrecipitationPalette() [256 - PrecipitationThreshold]color.RGBA {
	anchors := []color.RGBA{
		{0, 96, 255, 255},
		{0, 200, 255, 255},
		{0, 200, 0, 255},
		{255, 255, 0, 255},
		{255, 128, 0, 255},
		{255, 0, 0, 255},
		{200, 0, 200, 255},
	}
	var p [256 - PrecipitationThreshold]color.RGBA
	last := float64(len(p) - 1)
	segs := float64(len(anchors) - 1)
	for i := range p {
		pos := float64(i) / last * segs
		k := int(pos)
		if k >= len(anchors)-1 {
			p[i] = anchors[len(anchors)-1]
			continue
		}
		f := pos - float64(k)
		a, b := anchors[k], anchors[k+1]
		p[i] = color.RGBA{
			R: uint8(float64(a.R) + f*(float64(b.R)-float64(a.R))),
			G: uint8(float64(a.G) + f*(float64(b.G)-float64(a.G))),
			B: uint8(float64(a.B) + f*(float64(b.B)-float64(a.B))),
			A: 255,
		}
	}
	return p
}

// Rasterize converts an image to 8 bit pixels. Without the overlay the
// result is grayscale. With it, channel B pixels at or above the
// precipitation threshold are coloured and the colour is mirrored onto the
// same column of channel A.
func Rasterize(img *Image, overlay bool) draw.Image {
	h := img.Height()
	if !overlay {
		g := image.NewGray(image.Rect(0, 0, ImageWidth, h))
		for r, row := range img.Rows {
			line := g.Pix[r*g.Stride : r*g.Stride+ImageWidth]
			for i, p := range row {
				line[i] = RoundAndClip(p)
			}
		}
		return g
	}

	rgba := image.NewRGBA(image.Rect(0, 0, ImageWidth, h))
	for r, row := range img.Rows {
		line := rgba.Pix[r*rgba.Stride : r*rgba.Stride+ImageWidth*4]
		// grayscale first so the mirrored colour is never overwritten
		for i, p := range row {
			q := RoundAndClip(p)
			line[i*4], line[i*4+1], line[i*4+2], line[i*4+3] = q, q, q, 255
		}
		for i := ChannelBOffset; i < ChannelBOffset+ChannelWidth; i++ {
			// unrounded level, so 197.6 stays grey
			if !(row[i] >= PrecipitationThreshold) {
				continue
			}
			c := PrecipitationPalette[precipitationIndex(row[i])]
			a := i - ChannelBOffset + ChannelAOffset
			for _, x := range []int{i, a} {
				line[x*4], line[x*4+1], line[x*4+2] = c.R, c.G, c.B
			}
		}
	}
	return rgba
}

func precipitationIndex(p float32) int {
	k := int(p) - PrecipitationThreshold
	if k >= len(PrecipitationPalette) {
		k = len(PrecipitationPalette) - 1
	}
	return k
}

// PaletteSize is the width and height of a two channel colour palette
const PaletteSize = 256

// LoadPalette reads a PaletteSize square PNG. Column x, row y holds the
// colour for channel A level x and channel B level y.
func LoadPalette(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open palette: %w", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode palette %s: %w", path, err)
	}
	if b := img.Bounds(); b.Dx() != PaletteSize || b.Dy() != PaletteSize {
		return nil, fmt.Errorf("palette %s is %dx%d, want %dx%d", path, b.Dx(), b.Dy(), PaletteSize, PaletteSize)
	}
	return img, nil
}

// ApplyPalette renders a ChannelWidth wide image where each pixel is looked
// up in palette by the rounded channel A and channel B levels at that column
func ApplyPalette(img *Image, palette image.Image) draw.Image {
	b := palette.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, ChannelWidth, img.Height()))
	for r, row := range img.Rows {
		for i := 0; i < ChannelWidth; i++ {
			qA := int(RoundAndClip(row[ChannelAOffset+i]))
			qB := int(RoundAndClip(row[ChannelBOffset+i]))
			rgba.Set(i, r, palette.At(b.Min.X+qA, b.Min.Y+qB))
		}
	}
	return rgba
}

// Extract crops a rasterized image to the selected channels
func Extract(src draw.Image, channels ChannelSelection) draw.Image {
	var off int
	switch channels {
	case ChannelA:
		off = ChannelAOffset
	case ChannelB:
		off = ChannelBOffset
	default:
		return src
	}
	h := src.Bounds().Dy()
	r := image.Rect(0, 0, ChannelWidth, h)
	var dst draw.Image
	if _, ok := src.(*image.Gray); ok {
		dst = image.NewGray(r)
	} else {
		dst = image.NewRGBA(r)
	}
	draw.Draw(dst, r, src, image.Pt(off, 0), draw.Src)
	return dst
}

// Line renders one unprocessed row as grayscale bytes cropped to channels
func Line(row []float32, channels ChannelSelection) []byte {
	var src []float32
	switch channels {
	case ChannelA:
		src = row[ChannelAOffset : ChannelAOffset+ChannelWidth]
	case ChannelB:
		src = row[ChannelBOffset : ChannelBOffset+ChannelWidth]
	default:
		src = row
	}
	out := make([]byte, len(src))
	for i, p := range src {
		out[i] = RoundAndClip(p)
	}
	return out
}

// Processed is a rendered copy of the live image
type Processed struct {
	Image  draw.Image
	Labels []string // empty until there are enough rows to calibrate
	Zenith int
	Height int
}

// Process runs the enhancement passes on a copy of live in their fixed
// order and rasterizes the result. Channel IDs found by calibration are
// written back to live. live itself is not otherwise modified.
//
// ChannelPalette renders through palette. With the precipitation overlay on,
// or a nil palette, both channels are rendered instead.
func Process(live *Image, s Settings, channels ChannelSelection, palette image.Image) *Processed {
	work := live.Clone()
	var labels []string
	if work.Calibrate() {
		live.ChA, live.ChB = work.ChA, work.ChB
		labels = work.Labels()
	}
	if s.CropNoise {
		CropNoise(work)
	}
	if s.Denoise {
		Denoise(work, ChannelAOffset)
		Denoise(work, ChannelBOffset)
	}
	if s.Flip {
		FlipImage(work)
	}
	if s.LinearEqualise {
		LinearEqualise(work, ChannelAOffset)
		LinearEqualise(work, ChannelBOffset)
	}
	if s.HistogramEqualise {
		HistogramEqualise(work, ChannelAOffset)
		HistogramEqualise(work, ChannelBOffset)
	}
	var out draw.Image
	switch {
	case channels == ChannelPalette && palette != nil && !s.PrecipitationOverlay:
		out = ApplyPalette(work, palette)
	case channels == ChannelPalette:
		out = Rasterize(work, s.PrecipitationOverlay)
	default:
		out = Extract(Rasterize(work, s.PrecipitationOverlay), channels)
	}
	return &Processed{
		Image:  out,
		Labels: labels,
		Zenith: work.Zenith,
		Height: work.Height(),
	}
}

// EncodePNG encodes a processed image
func (p *Processed) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, p.Image); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
