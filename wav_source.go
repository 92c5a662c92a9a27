package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cwsl/ka9q_aptrx/apt"
	"github.com/cwsl/ka9q_aptrx/dsp"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavChunkFrames = 4096

// wavMaxPending bounds the image worker backlog while decoding a file
const wavMaxPending = 256

// wavToDecodeRate converts PCM frames to mono audio at apt.DecodeRate. The
// first channel is used.
type wavToDecodeRate struct {
	channels  int
	scale     float32
	lpf       *dsp.RealFIR
	resampler *dsp.Resampler
	out       []float32
}

func newWAVConverter(format *audio.Format, bitDepth int) (*wavToDecodeRate, error) {
	if format == nil || format.NumChannels < 1 || format.SampleRate <= 0 {
		return nil, fmt.Errorf("unsupported wav format")
	}
	if bitDepth < 8 || bitDepth > 32 {
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	c := &wavToDecodeRate{
		channels: format.NumChannels,
		scale:    1 / float32(int64(1)<<(bitDepth-1)),
	}
	if format.SampleRate != apt.DecodeRate {
		cutoff := 0.4 * float64(min(format.SampleRate, apt.DecodeRate))
		c.lpf = dsp.NewRealFIR(dsp.DesignLowPass(63, cutoff, float64(format.SampleRate)))
		c.resampler = dsp.NewResampler(float64(format.SampleRate), apt.DecodeRate)
	}
	return c, nil
}

// convert returns the decode rate samples for interleaved PCM; the result
// is reused by the next call
func (c *wavToDecodeRate) convert(pcm []int) []float32 {
	c.out = c.out[:0]
	for i := 0; i+c.channels <= len(pcm); i += c.channels {
		s := float32(pcm[i]) * c.scale
		if c.resampler == nil {
			c.out = append(c.out, s)
			continue
		}
		s = c.lpf.Filter(s)
		c.resampler.Process(complex(s, 0), func(y complex64) {
			c.out = append(c.out, real(y))
		})
	}
	return c.out
}

// DecodeWAVFile feeds a recorded APT pass through the row decoder. Rows are
// decoded as fast as the file is read.
func DecodeWAVFile(ctx context.Context, path string, pipeline *apt.Pipeline) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return 0, fmt.Errorf("invalid WAV file: %s", path)
	}
	format := decoder.Format()
	conv, err := newWAVConverter(format, int(decoder.BitDepth))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	log.Printf("[WAV] Decoding %s (%d Hz, %d ch, %d bit)", path, format.SampleRate, format.NumChannels, decoder.BitDepth)

	buf := &audio.IntBuffer{
		Format:         format,
		Data:           make([]int, wavChunkFrames*format.NumChannels),
		SourceBitDepth: int(decoder.BitDepth),
	}
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := decoder.PCMBuffer(buf)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if err != nil {
			return total, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if n == 0 {
			break
		}
		samples := conv.convert(buf.Data[:n])
		pipeline.FeedAudio(samples)
		total += len(samples)

		// rows are dropped when the worker queue is full
		for pipeline.Pending() > wavMaxPending {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	return total, nil
}
