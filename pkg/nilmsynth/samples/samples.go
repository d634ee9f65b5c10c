package samples

import (
	"context"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

// DefaultChunkSize is the number of rows returned by one Read.
const DefaultChunkSize = 10000

// Chunk is a block of consecutive samples: one row per timestamp, one column
// per channel.
type Chunk struct {
	Timestamps []int64
	Data       *mat.Dense
}

// Len returns the number of rows in the chunk.
func (c Chunk) Len() int {
	return len(c.Timestamps)
}

// Width returns the number of channels, 0 for an empty chunk.
func (c Chunk) Width() int {
	if c.Data == nil {
		return 0
	}
	_, cols := c.Data.Dims()
	return cols
}

// Stream is a finite sequence of chunks with non-decreasing timestamps. Read
// returns io.EOF once the stream is exhausted.
type Stream interface {
	Read() (Chunk, error)
	Close() error
}

// Provider opens the samples of a stream in [start, end).
type Provider interface {
	Open(ctx context.Context, stream string, start, end int64) (Stream, error)
}

// Appender is the write side of a sample store. SQLiteStore implements it.
type Appender interface {
	Append(ctx context.Context, stream string, timestamps []int64, data *mat.Dense) error
}

// ReadAll drains a stream into a single chunk. An empty stream yields a chunk
// with no rows and a nil Data matrix.
func ReadAll(s Stream) (Chunk, error) {
	var chunks []Chunk
	rows, cols := 0, 0
	for {
		c, err := s.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Chunk{}, err
		}
		if c.Len() == 0 {
			continue
		}
		if cols == 0 {
			cols = c.Width()
		} else if c.Width() != cols {
			return Chunk{}, &WidthError{Expected: cols, Got: c.Width()}
		}
		chunks = append(chunks, c)
		rows += c.Len()
	}
	if rows == 0 {
		return Chunk{}, nil
	}

	out := Chunk{Timestamps: make([]int64, 0, rows), Data: mat.NewDense(rows, cols, nil)}
	offset := 0
	for _, c := range chunks {
		out.Timestamps = append(out.Timestamps, c.Timestamps...)
		view := out.Data.Slice(offset, offset+c.Len(), 0, cols).(*mat.Dense)
		view.Copy(c.Data)
		offset += c.Len()
	}
	return out, nil
}

// WidthError reports rows whose channel count does not match the stream.
type WidthError struct {
	Expected int
	Got      int
}

func (e *WidthError) Error() string {
	return fmt.Sprintf("inconsistent channel count: expected %d, got %d", e.Expected, e.Got)
}
