// Package buffer accumulates canonical capture audio and derives, once at
// finalize time, the diagnostics a transcription consumer needs so it never
// has to re-read the samples.
package buffer

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Canonical capture format: mono float32 at 16 kHz, normalized to [-1, 1].
const (
	CanonicalRate     = 16000
	CanonicalChannels = 1
)

const (
	// MinDB is the clamp floor for every dBFS figure; silence and dead
	// input report -100 rather than -Inf or NaN.
	MinDB = -100.0
	// MaxDB caps dBFS at digital full scale.
	MaxDB = 0.0

	dbFloor     = 1e-5 // linear magnitude that maps to MinDB
	edgeSamples = 16   // head/tail samples kept in Stats for inspection

	preallocSeconds = 30
)

// DBFS converts a linear magnitude to decibels relative to full scale,
// clamped to [MinDB, MaxDB].
func DBFS(v float64) float64 {
	if v < dbFloor {
		return MinDB
	}
	db := 20 * math.Log10(v)
	if db < MinDB {
		return MinDB
	}
	if db > MaxDB {
		return MaxDB
	}
	return db
}

// Buffer is an append-only accumulator for canonical samples. A single
// writer (the capture callback) appends; other goroutines may only read
// the running count until Finalize seals the buffer.
type Buffer struct {
	log       zerolog.Logger
	samples   []float32
	count     atomic.Int64
	finalized atomic.Bool
}

// New returns an empty buffer pre-grown so typical takes append without
// reallocating.
func New(log zerolog.Logger) *Buffer {
	return &Buffer{
		log:     log,
		samples: make([]float32, 0, CanonicalRate*preallocSeconds),
	}
}

// Append adds converted samples. Only the capture callback may call it,
// and never after Finalize.
func (b *Buffer) Append(samples []float32) {
	if len(samples) == 0 || b.finalized.Load() {
		return
	}
	b.samples = append(b.samples, samples...)
	b.count.Store(int64(len(b.samples)))
}

// Len reports the running sample count. Safe from any goroutine.
func (b *Buffer) Len() int {
	return int(b.count.Load())
}

// Duration reports the buffered audio length at the canonical rate.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.count.Load()) * time.Second / CanonicalRate
}

// FinalizeOptions carry the silence rule the verdict is computed against.
type FinalizeOptions struct {
	// ThresholdDB is the silence threshold in dBFS, typically the global
	// default or a per-device calibration profile.
	ThresholdDB float64
	// QuietProportion is the quiet-sample fraction above which the whole
	// take is judged silent.
	QuietProportion float64
}

// Stats are the diagnostics computed once when a buffer is finalized.
// Consumers act on these instead of re-deriving them from the samples.
type Stats struct {
	SampleCount int           `json:"sample_count"`
	Duration    time.Duration `json:"duration_ns"`
	PeakDB      float64       `json:"peak_db"`
	RMSDB       float64       `json:"rms_db"`
	ZeroRatio   float64       `json:"zero_ratio"`
	QuietRatio  float64       `json:"quiet_ratio"`
	ThresholdDB float64       `json:"threshold_db"`
	Silent      bool          `json:"silent"`
	// Correction is the divisor applied when raw magnitudes exceeded
	// full scale; 1 means the buffer was already in range.
	Correction float64   `json:"correction"`
	Head       []float32 `json:"-"`
	Tail       []float32 `json:"-"`
}

// Recording is a finalized take: the canonical samples plus their stats.
type Recording struct {
	Samples []float32
	Stats   Stats
}

// IsSilent applies the proportion rule: a take is silent when more than
// the given fraction of its samples sits below the threshold. A short
// loud burst inside a long quiet take therefore still counts as speech.
func IsSilent(s Stats, proportion float64) bool {
	return s.QuietRatio > proportion
}

// Finalize seals the buffer and computes Stats in a single pass, rescaling
// first if any magnitude exceeded full scale. The returned Recording shares
// the buffer's backing array; the buffer accepts no appends afterwards.
func (b *Buffer) Finalize(opts FinalizeOptions) *Recording {
	b.finalized.Store(true)
	samples := b.samples

	maxAbs := 0.0
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > maxAbs {
			maxAbs = a
		}
	}

	correction := 1.0
	if maxAbs > 1.0 {
		correction = maxAbs
		inv := float32(1.0 / maxAbs)
		for i := range samples {
			samples[i] *= inv
		}
		b.log.Warn().
			Float64("max_magnitude", maxAbs).
			Float64("correction", correction).
			Msg("Samples exceeded full scale, rescaled buffer")
	}

	st := Stats{
		SampleCount: len(samples),
		Duration:    time.Duration(len(samples)) * time.Second / CanonicalRate,
		ThresholdDB: opts.ThresholdDB,
		Correction:  correction,
	}

	quietLinear := math.Pow(10, opts.ThresholdDB/20)
	var sumSquares, peak float64
	var zeros, quiet int
	for _, s := range samples {
		v := float64(s)
		a := math.Abs(v)
		if a > peak {
			peak = a
		}
		sumSquares += v * v
		if v == 0 {
			zeros++
		}
		if a < quietLinear {
			quiet++
		}
	}

	if n := len(samples); n > 0 {
		st.PeakDB = DBFS(peak)
		st.RMSDB = DBFS(math.Sqrt(sumSquares / float64(n)))
		st.ZeroRatio = float64(zeros) / float64(n)
		st.QuietRatio = float64(quiet) / float64(n)

		edge := edgeSamples
		if edge > n {
			edge = n
		}
		st.Head = append([]float32(nil), samples[:edge]...)
		st.Tail = append([]float32(nil), samples[n-edge:]...)
	} else {
		st.PeakDB = MinDB
		st.RMSDB = MinDB
		st.QuietRatio = 1
	}
	st.Silent = IsSilent(st, opts.QuietProportion)

	b.log.Debug().
		Int("samples", st.SampleCount).
		Dur("duration", st.Duration).
		Float64("peak_db", st.PeakDB).
		Float64("rms_db", st.RMSDB).
		Bool("silent", st.Silent).
		Msg("Buffer finalized")

	return &Recording{Samples: samples, Stats: st}
}
