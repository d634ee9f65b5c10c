package compose

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
)

// Buffer is a dense meter signal: one row per sample, eight channels per phase.
type Buffer struct {
	data   *mat.Dense
	phases int
}

// NewBuffer allocates a zeroed buffer of rows samples.
func NewBuffer(rows, phases int) (*Buffer, error) {
	if rows <= 0 {
		return nil, fmt.Errorf("buffer needs at least one row, got %d", rows)
	}
	if phases <= 0 {
		return nil, fmt.Errorf("buffer needs at least one phase, got %d", phases)
	}
	return &Buffer{
		data:   mat.NewDense(rows, phases*common.ChannelsPerPhase, nil),
		phases: phases,
	}, nil
}

// Rows returns the number of samples.
func (b *Buffer) Rows() int {
	r, _ := b.data.Dims()
	return r
}

// Cols returns the number of channels.
func (b *Buffer) Cols() int {
	_, c := b.data.Dims()
	return c
}

// Phases returns the number of phases.
func (b *Buffer) Phases() int {
	return b.phases
}

// Row returns a view of sample i. Writes go through to the buffer.
func (b *Buffer) Row(i int) []float64 {
	return b.data.RawRowView(i)
}

// Dense exposes the underlying matrix.
func (b *Buffer) Dense() *mat.Dense {
	return b.data
}

// Slice returns a view over samples [from, to).
func (b *Buffer) Slice(from, to int) *mat.Dense {
	return b.data.Slice(from, to, 0, b.Cols()).(*mat.Dense)
}

// Add accumulates other into b. Both buffers must have the same shape.
func (b *Buffer) Add(other *Buffer) error {
	if b.Rows() != other.Rows() || b.Cols() != other.Cols() {
		return fmt.Errorf("buffer shape mismatch: %dx%d and %dx%d",
			b.Rows(), b.Cols(), other.Rows(), other.Cols())
	}
	b.data.Add(b.data, other.data)
	return nil
}

// Reset zeroes the buffer.
func (b *Buffer) Reset() {
	b.data.Zero()
}
