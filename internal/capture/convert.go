package capture

import (
	"math"
	"time"

	"github.com/petems/mictap/internal/buffer"
	"github.com/petems/mictap/internal/format"
)

// Chunk couples converted samples with the level derived from them. The
// two are built together and travel together: whatever lands in the
// session buffer is exactly what its level was measured from.
type Chunk struct {
	Samples []float32
	Level   LevelSample
}

// converter turns raw interleaved device chunks into canonical mono
// 16 kHz samples. Resampling state carries across chunks so the output
// stays continuous at chunk boundaries. Not safe for concurrent use;
// only the capture callback runs it.
type converter struct {
	channels int
	ratio    float64 // source samples consumed per canonical sample
	pos      float64
	last     float32
}

func newConverter(f format.CaptureFormat) *converter {
	return &converter{
		channels: f.Channels,
		ratio:    f.SampleRate / float64(buffer.CanonicalRate),
	}
}

// convert produces the canonical chunk for one raw device chunk. Input
// too small to yield a canonical sample returns an empty chunk, which
// the caller skips entirely: no level without samples, no samples
// without a level.
func (c *converter) convert(raw []float32, now time.Time) Chunk {
	mono := downmixInterleaved(raw, c.channels)
	out := c.resample(mono)
	if len(out) == 0 {
		return Chunk{}
	}
	return Chunk{Samples: out, Level: measureLevel(out, now)}
}

// downmixInterleaved folds interleaved frames to mono by averaging the
// channels. Mono input still returns a fresh slice; callers may retain
// the result after the driver reuses the input.
func downmixInterleaved(raw []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(raw))
		copy(out, raw)
		return out
	}

	frames := len(raw) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += raw[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// resample interpolates mono input down (or up) to the canonical rate.
// A fractional read position carries across calls, with the final sample
// of each chunk kept for interpolation into the next.
func (c *converter) resample(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if c.ratio == 1 {
		out := make([]float32, len(in))
		copy(out, in)
		c.last = in[len(in)-1]
		return out
	}

	out := make([]float32, 0, int(float64(len(in))/c.ratio)+2)
	pos := c.pos
	for ; pos <= float64(len(in)-1); pos += c.ratio {
		i := int(math.Floor(pos))
		frac := float32(pos - math.Floor(pos))

		var s0 float32
		if i < 0 {
			s0 = c.last // carried from the previous chunk
		} else {
			s0 = in[i]
		}
		s1 := s0
		if i+1 < len(in) {
			s1 = in[i+1]
		}
		out = append(out, s0+(s1-s0)*frac)
	}
	c.pos = pos - float64(len(in))
	c.last = in[len(in)-1]
	return out
}

func measureLevel(samples []float32, now time.Time) LevelSample {
	var peak, sumSquares float64
	for _, s := range samples {
		v := float64(s)
		if a := math.Abs(v); a > peak {
			peak = a
		}
		sumSquares += v * v
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	return LevelSample{
		PeakDB: buffer.DBFS(peak),
		RMSDB:  buffer.DBFS(rms),
		At:     now,
	}
}
