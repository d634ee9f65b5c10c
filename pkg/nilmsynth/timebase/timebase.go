package timebase

import (
	"math"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
)

const (
	// SamplePeriod is the nominal line-cycle period in microseconds.
	SamplePeriod = float64(common.MicrosPerSecond) / common.SampleRate

	// BlockSize is one hour of samples. It is a multiple of 3 so that every
	// block boundary lands on an integral microsecond.
	BlockSize = 60 * 60 * common.SampleRate
)

// Window is a dataset interval [Start, End) in absolute microseconds.
type Window struct {
	Start int64
	End   int64
}

// Duration returns the window length in microseconds.
func (w Window) Duration() int64 {
	return w.End - w.Start
}

// Validate rejects empty windows and windows too short to hold one sample.
func (w Window) Validate() error {
	if w.End <= w.Start {
		return common.NewConfigError("invalid dataset window [%d, %d), must be a positive duration", w.Start, w.End)
	}
	if w.NumSamples() == 0 {
		return common.NewConfigError("dataset window of %dus holds no samples", w.Duration())
	}
	return nil
}

// NumSamples returns round(duration · 60e-6).
func (w Window) NumSamples() int {
	return int(math.Round(float64(w.Duration()) * common.SampleRate / common.MicrosPerSecond))
}

// SampleIndex maps an absolute timestamp to the nearest sample row.
func (w Window) SampleIndex(ts int64) int {
	return int(math.Round(float64(ts-w.Start) / SamplePeriod))
}

// Timestamp returns the exact timestamp of sample idx.
func (w Window) Timestamp(idx int) int64 {
	return w.Start + elapsed(idx)
}

// SampleCount converts a duration in microseconds to a whole number of samples.
func SampleCount(durationUs int64) int {
	return int(math.Round(float64(durationUs) / SamplePeriod))
}

// elapsed is floor(idx · 1e6/60) computed in integers.
func elapsed(idx int) int64 {
	return int64(idx) * common.MicrosPerSecond / common.SampleRate
}

// Timestamps returns the sample timestamps spanning the window.
//
// Samples are produced one block at a time. Each block is interpolated between
// anchors computed from the absolute sample count, so error never carries from
// one block into the next and consecutive samples are always 16666 or 16667us
// apart.
func Timestamps(w Window) []int64 {
	n := w.NumSamples()
	ts := make([]int64, n)
	for startIdx := 0; startIdx < n; startIdx += BlockSize {
		endIdx := startIdx + BlockSize
		if endIdx > n {
			endIdx = n
		}
		fillBlock(ts[startIdx:endIdx], w.Start+elapsed(startIdx), w.Start+elapsed(endIdx))
	}
	return ts
}

// fillBlock linearly interpolates len(dst) points over [from, to), endpoint excluded.
func fillBlock(dst []int64, from, to int64) {
	n := int64(len(dst))
	span := to - from
	for k := range dst {
		dst[k] = from + int64(k)*span/n
	}
}
