package apt

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundAndClip(t *testing.T) {
	tests := []struct {
		in   float32
		want uint8
	}{
		{-50, 0},
		{-0.4, 0},
		{0.4, 0},
		{0.5, 1},
		{254.6, 255},
		{255, 255},
		{300, 255},
	}
	for _, tt := range tests {
		if got := RoundAndClip(tt.in); got != tt.want {
			t.Errorf("RoundAndClip(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPrecipitationPaletteSize(t *testing.T) {
	if len(PrecipitationPalette) != 256-PrecipitationThreshold {
		t.Fatalf("palette has %d entries", len(PrecipitationPalette))
	}
	for i, c := range PrecipitationPalette {
		if c.A != 255 {
			t.Fatalf("entry %d not opaque", i)
		}
	}
}

func flatImage(rows int, v float32) *Image {
	img := NewImage()
	row := make([]float32, ImageWidth)
	for i := range row {
		row[i] = v
	}
	for i := 0; i < rows; i++ {
		img.Append(row)
	}
	return img
}

func TestRasterizePrecipitationMirrored(t *testing.T) {
	img := flatImage(1, 100)
	img.Rows[0][ChannelBOffset+5] = 220
	img.Rows[0][ChannelBOffset+6] = 197

	rgba, ok := Rasterize(img, true).(*image.RGBA)
	if !ok {
		t.Fatal("overlay should produce an RGBA image")
	}

	want := PrecipitationPalette[220-PrecipitationThreshold]
	for _, x := range []int{ChannelBOffset + 5, ChannelAOffset + 5} {
		if got := rgba.RGBAAt(x, 0); got != want {
			t.Errorf("pixel %d = %v, want %v", x, got, want)
		}
	}

	gray := color.RGBA{197, 197, 197, 255}
	if got := rgba.RGBAAt(ChannelBOffset+6, 0); got != gray {
		t.Errorf("below threshold pixel = %v, want %v", got, gray)
	}
	if got := rgba.RGBAAt(ChannelAOffset+6, 0); got != (color.RGBA{100, 100, 100, 255}) {
		t.Errorf("channel A pixel without rain = %v", got)
	}
}

func TestRasterizeGrayAndExtract(t *testing.T) {
	img := flatImage(2, 10)
	img.Rows[1][ChannelBOffset] = 77

	raster := Rasterize(img, false)
	if _, ok := raster.(*image.Gray); !ok {
		t.Fatal("expected grayscale image")
	}
	if b := raster.Bounds(); b.Dx() != ImageWidth || b.Dy() != 2 {
		t.Fatalf("bounds = %v", b)
	}

	chB := Extract(raster, ChannelB).(*image.Gray)
	if b := chB.Bounds(); b.Dx() != ChannelWidth || b.Min.X != 0 {
		t.Fatalf("channel B bounds = %v", b)
	}
	if got := chB.GrayAt(0, 1).Y; got != 77 {
		t.Errorf("channel B first pixel = %d, want 77", got)
	}
	if Extract(raster, BothChannels) != raster {
		t.Error("both channels should return the source image")
	}
}

func TestLineCrop(t *testing.T) {
	row := make([]float32, ImageWidth)
	row[ChannelAOffset] = 12.6
	if got := Line(row, ChannelA); len(got) != ChannelWidth || got[0] != 13 {
		t.Errorf("channel A line = len %d first %d", len(got), got[0])
	}
	if got := Line(row, BothChannels); len(got) != ImageWidth {
		t.Errorf("both channel line len = %d", len(got))
	}
}

func TestProcessEncodesPNG(t *testing.T) {
	p := Process(flatImage(4, 128), DefaultSettings(), BothChannels, nil)
	data, err := p.EncodePNG()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Error("output is not a PNG")
	}
	if p.Labels != nil {
		t.Errorf("labels before calibration = %v", p.Labels)
	}
}

func TestRasterizePrecipitationThresholdUnrounded(t *testing.T) {
	img := flatImage(1, 100)
	img.Rows[0][ChannelBOffset+3] = 197.6
	img.Rows[0][ChannelBOffset+4] = 300

	rgba := Rasterize(img, true).(*image.RGBA)

	// rounds to 198 for display but is still below the threshold
	if got := rgba.RGBAAt(ChannelBOffset+3, 0); got != (color.RGBA{198, 198, 198, 255}) {
		t.Errorf("197.6 pixel = %v, want grey", got)
	}
	if got := rgba.RGBAAt(ChannelAOffset+3, 0); got != (color.RGBA{100, 100, 100, 255}) {
		t.Errorf("channel A under 197.6 = %v, want unchanged", got)
	}

	last := PrecipitationPalette[len(PrecipitationPalette)-1]
	if got := rgba.RGBAAt(ChannelBOffset+4, 0); got != last {
		t.Errorf("300 pixel = %v, want %v", got, last)
	}
}

func TestPrecipitationIndex(t *testing.T) {
	tests := []struct {
		in   float32
		want int
	}{
		{198, 0},
		{198.9, 0},
		{220, 22},
		{255, 57},
		{255.7, 57},
		{1000, len(PrecipitationPalette) - 1},
	}
	for _, tt := range tests {
		if got := precipitationIndex(tt.in); got != tt.want {
			t.Errorf("precipitationIndex(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// gradientPalette maps channel A to red and channel B to green
func gradientPalette() *image.RGBA {
	p := image.NewRGBA(image.Rect(0, 0, PaletteSize, PaletteSize))
	for y := 0; y < PaletteSize; y++ {
		for x := 0; x < PaletteSize; x++ {
			p.SetRGBA(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	return p
}

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "palette.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPalette(t *testing.T) {
	p, err := LoadPalette(writePNG(t, gradientPalette()))
	if err != nil {
		t.Fatal(err)
	}
	if r, g, _, _ := p.At(40, 200).RGBA(); r>>8 != 40 || g>>8 != 200 {
		t.Errorf("palette (40,200) = %d,%d", r>>8, g>>8)
	}

	if _, err := LoadPalette(writePNG(t, image.NewRGBA(image.Rect(0, 0, 128, 256)))); err == nil {
		t.Error("expected error for a 128x256 palette")
	}
	if _, err := LoadPalette(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("expected error for a missing palette")
	}
}

func TestProcessPalette(t *testing.T) {
	img := flatImage(3, 0)
	for _, row := range img.Rows {
		row[ChannelAOffset+10] = 40.4
		row[ChannelBOffset+10] = 199.6
	}
	s := DefaultSettings()
	s.CropNoise = false
	s.Denoise = false
	s.Channels = ChannelPalette

	p := Process(img, s, ChannelPalette, gradientPalette())
	if b := p.Image.Bounds(); b.Dx() != ChannelWidth || b.Dy() != 3 {
		t.Fatalf("palette image bounds = %v", b)
	}
	if got := color.RGBAModel.Convert(p.Image.At(10, 1)).(color.RGBA); got != (color.RGBA{40, 200, 0, 255}) {
		t.Errorf("palette pixel = %v", got)
	}

	// no palette loaded, or the overlay on, shows both channels
	if b := Process(img, s, ChannelPalette, nil).Image.Bounds(); b.Dx() != ImageWidth {
		t.Errorf("nil palette width = %d, want %d", b.Dx(), ImageWidth)
	}
	s.PrecipitationOverlay = true
	if b := Process(img, s, ChannelPalette, gradientPalette()).Image.Bounds(); b.Dx() != ImageWidth {
		t.Errorf("overlay width = %d, want %d", b.Dx(), ImageWidth)
	}
}
