package dsp

import (
	"math"
	"testing"
)

func TestDesignLowPassUnityDC(t *testing.T) {
	coeffs := DesignLowPass(64, 5000, 48000)
	if len(coeffs)%2 != 1 {
		t.Fatalf("expected odd tap count, got %d", len(coeffs))
	}
	sum := 0.0
	for _, c := range coeffs {
		sum += c
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("DC gain = %f, want 1", sum)
	}
	mid := len(coeffs) / 2
	for i := 0; i < mid; i++ {
		if math.Abs(coeffs[i]-coeffs[len(coeffs)-1-i]) > 1e-12 {
			t.Fatalf("taps not symmetric at %d", i)
		}
	}
}

func TestRealFIRPassesDC(t *testing.T) {
	f := NewRealFIR(DesignLowPass(31, 1000, 12000))
	var y float32
	for i := 0; i < 100; i++ {
		y = f.Filter(1)
	}
	if math.Abs(float64(y)-1) > 1e-4 {
		t.Errorf("settled output = %f, want 1", y)
	}
}

func TestResamplerRatioAndChunking(t *testing.T) {
	tests := []struct {
		in, out float64
	}{
		{48000, 48000},
		{96000, 48000},
		{62500, 48000},
		{24000, 48000},
	}

	for _, tt := range tests {
		r := NewResampler(tt.in, tt.out)
		count := 0
		n := 100000
		for i := 0; i < n; i++ {
			r.Process(complex(float32(i), 0), func(complex64) { count++ })
		}
		want := float64(n) * tt.out / tt.in
		if math.Abs(float64(count)-want) > 2 {
			t.Errorf("%v->%v: got %d outputs, want ~%.0f", tt.in, tt.out, count, want)
		}
	}
}

func TestResamplerIdentity(t *testing.T) {
	r := NewResampler(48000, 48000)
	var out []complex64
	for i := 1; i <= 5; i++ {
		r.Process(complex(float32(i), 0), func(y complex64) { out = append(out, y) })
	}
	want := []complex64{0, 1, 2, 3, 4}
	if len(out) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestDiscriminatorTone(t *testing.T) {
	rate := 48000.0
	dev := 5000.0
	d := NewDiscriminator(rate, dev)
	phase := 0.0
	var last float32
	for i := 0; i < 1000; i++ {
		phase += 2 * math.Pi * 2500 / rate
		s, c := math.Sincos(phase)
		last = d.Demod(complex(float32(c), float32(s)))
	}
	if math.Abs(float64(last)-0.5) > 1e-3 {
		t.Errorf("discriminator output = %f, want 0.5", last)
	}
}

func TestNCOShiftsToBaseband(t *testing.T) {
	rate := 48000.0
	offset := 3000.0
	n := NewNCO(offset, rate)
	d := NewDiscriminator(rate, 1000)
	phase := 0.0
	var last float32
	for i := 0; i < 500; i++ {
		phase += 2 * math.Pi * offset / rate
		s, c := math.Sincos(phase)
		last = d.Demod(n.Mix(complex(float32(c), float32(s))))
	}
	if math.Abs(float64(last)) > 1e-2 {
		t.Errorf("shifted tone still at %f of deviation", last)
	}
}

func TestLevelMeterReadResets(t *testing.T) {
	m := NewLevelMeter(0.5)
	m.Add(1)
	m.Add(3)
	avg, peak := m.Read()
	if avg != 2 || peak != 3 {
		t.Errorf("Read() = (%f, %f), want (2, 3)", avg, peak)
	}
	avg, peak = m.Read()
	if avg != 0 || peak != 0 {
		t.Errorf("second Read() = (%f, %f), want zeros", avg, peak)
	}
	if m.Smoothed() == 0 {
		t.Error("smoothed level should survive Read")
	}
}
