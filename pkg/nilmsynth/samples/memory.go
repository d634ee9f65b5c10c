package samples

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// MemoryStore keeps streams in memory. It backs tests and the segment cache.
type MemoryStore struct {
	mutex     sync.RWMutex
	streams   map[string]*series
	chunkSize int
}

type series struct {
	timestamps []int64
	rows       [][]float64
}

// NewMemoryStore creates an empty store returning chunks of chunkSize rows.
func NewMemoryStore(chunkSize int) *MemoryStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &MemoryStore{streams: make(map[string]*series), chunkSize: chunkSize}
}

// Append adds rows to a stream. Timestamps must not go backwards.
func (m *MemoryStore) Append(_ context.Context, stream string, timestamps []int64, data *mat.Dense) error {
	rows, cols := 0, 0
	if data != nil {
		rows, cols = data.Dims()
	}
	if rows != len(timestamps) {
		return fmt.Errorf("stream %s: %d timestamps for %d rows", stream, len(timestamps), rows)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		s = &series{}
		m.streams[stream] = s
	}
	for i, ts := range timestamps {
		if n := len(s.timestamps); n > 0 && ts < s.timestamps[n-1] {
			return fmt.Errorf("stream %s: timestamp %d is before %d", stream, ts, s.timestamps[n-1])
		}
		row := make([]float64, cols)
		copy(row, data.RawRowView(i))
		s.timestamps = append(s.timestamps, ts)
		s.rows = append(s.rows, row)
	}
	return nil
}

// Open returns the rows of stream with timestamps in [start, end).
func (m *MemoryStore) Open(_ context.Context, stream string, start, end int64) (Stream, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, fmt.Errorf("stream %s not found", stream)
	}
	lo := sort.Search(len(s.timestamps), func(i int) bool { return s.timestamps[i] >= start })
	hi := sort.Search(len(s.timestamps), func(i int) bool { return s.timestamps[i] >= end })
	return &memoryStream{
		timestamps: s.timestamps[lo:hi],
		rows:       s.rows[lo:hi],
		chunkSize:  m.chunkSize,
	}, nil
}

type memoryStream struct {
	timestamps []int64
	rows       [][]float64
	chunkSize  int
	closed     bool
}

func (s *memoryStream) Read() (Chunk, error) {
	if s.closed {
		return Chunk{}, fmt.Errorf("read on closed stream")
	}
	if len(s.timestamps) == 0 {
		return Chunk{}, io.EOF
	}
	n := s.chunkSize
	if n > len(s.timestamps) {
		n = len(s.timestamps)
	}

	width := len(s.rows[0])
	for _, row := range s.rows[1:n] {
		if len(row) != width {
			return Chunk{}, &WidthError{Expected: width, Got: len(row)}
		}
	}
	data := mat.NewDense(n, width, nil)
	for i := 0; i < n; i++ {
		data.SetRow(i, s.rows[i])
	}
	chunk := Chunk{Timestamps: append([]int64(nil), s.timestamps[:n]...), Data: data}

	s.timestamps = s.timestamps[n:]
	s.rows = s.rows[n:]
	return chunk, nil
}

func (s *memoryStream) Close() error {
	s.closed = true
	return nil
}
