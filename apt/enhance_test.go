package apt

import "testing"

// noisySpace fills both space views of row with alternating extremes
func noisySpace(row []float32) {
	for i := 0; i < spaceWidth; i++ {
		v := float32(0)
		if i%2 == 0 {
			v = 255
		}
		row[spaceAOffset+i] = v
		row[spaceBOffset+i] = v
	}
}

func TestCropThenFlipMovesZenith(t *testing.T) {
	img := flatImage(10, 100)
	noisySpace(img.Rows[0])
	noisySpace(img.Rows[1])
	noisySpace(img.Rows[9])
	img.Zenith = 6

	s := DefaultSettings()
	s.CropNoise = true
	s.Denoise = false
	s.Flip = true

	p := Process(img, s, BothChannels, nil)
	if p.Height != 7 {
		t.Fatalf("height after crop = %d, want 7", p.Height)
	}
	// cropped: 6-2 = 4, flipped: 7-1-4 = 2
	if p.Zenith != 2 {
		t.Errorf("zenith = %d, want 2", p.Zenith)
	}
	if img.Height() != 10 || img.Zenith != 6 {
		t.Error("processing modified the live image")
	}
}

func TestCropNoiseAllNoise(t *testing.T) {
	img := flatImage(3, 0)
	for _, r := range img.Rows {
		noisySpace(r)
	}
	if top := CropNoise(img); top != 0 || img.Height() != 3 {
		t.Errorf("all-noise image cropped: top=%d height=%d", top, img.Height())
	}
}

func TestFlipRotatesChannel(t *testing.T) {
	img := flatImage(3, 0)
	for r, row := range img.Rows {
		for c := 0; c < ChannelWidth; c++ {
			row[ChannelAOffset+c] = float32(r*1000 + c)
		}
	}
	img.Rows[0][0] = 42

	Flip(img, ChannelAOffset)

	if got := img.Rows[0][ChannelAOffset]; got != 2000+ChannelWidth-1 {
		t.Errorf("top left = %v", got)
	}
	if got := img.Rows[1][ChannelAOffset]; got != 1000+ChannelWidth-1 {
		t.Errorf("middle row not reversed: %v", got)
	}
	if got := img.Rows[2][ChannelAOffset+ChannelWidth-1]; got != 0 {
		t.Errorf("bottom right = %v", got)
	}
	if img.Rows[0][0] != 42 {
		t.Error("columns outside the channel moved")
	}
}

func TestDenoiseRemovesImpulse(t *testing.T) {
	img := flatImage(5, 0)
	img.Rows[2][ChannelAOffset+100] = 255
	img.Rows[2][ChannelBOffset-1] = 255

	Denoise(img, ChannelAOffset)

	if got := img.Rows[2][ChannelAOffset+100]; got != 0 {
		t.Errorf("impulse survived: %v", got)
	}
	if img.Rows[2][ChannelBOffset-1] != 255 {
		t.Error("pixel outside the channel was filtered")
	}
}

func TestLinearEqualise(t *testing.T) {
	img := flatImage(2, 75)
	img.Rows[0][ChannelAOffset] = 50
	img.Rows[1][ChannelAOffset+1] = 100

	LinearEqualise(img, ChannelAOffset)

	if got := img.Rows[0][ChannelAOffset]; got != 0 {
		t.Errorf("min = %v, want 0", got)
	}
	if got := img.Rows[1][ChannelAOffset+1]; got != 255 {
		t.Errorf("max = %v, want 255", got)
	}
	if got := img.Rows[0][ChannelAOffset+5]; got < 127 || got > 128 {
		t.Errorf("midpoint = %v, want 127.5", got)
	}
}

func TestHistogramEqualise(t *testing.T) {
	img := flatImage(4, 10)
	img.Rows[0][ChannelBOffset] = 20

	HistogramEqualise(img, ChannelBOffset)

	if got := img.Rows[0][ChannelBOffset]; got != 255 {
		t.Errorf("brightest level = %v, want 255", got)
	}
	for _, row := range img.Rows {
		for c := ChannelBOffset; c < ChannelBOffset+ChannelWidth; c++ {
			if row[c] < 0 || row[c] > 255 {
				t.Fatalf("value out of range: %v", row[c])
			}
		}
	}
}
