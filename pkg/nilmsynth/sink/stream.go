package sink

import (
	"context"

	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/samples"
)

// StreamSink appends a meter signal to one stream of a sample store such as
// samples.SQLiteStore.
type StreamSink struct {
	store     samples.Appender
	stream    string
	rows      int
	intervals int
}

// NewStreamSink writes to stream in store.
func NewStreamSink(store samples.Appender, stream string) *StreamSink {
	return &StreamSink{store: store, stream: stream}
}

func (s *StreamSink) Write(ctx context.Context, _ int, timestamps []int64, rows *mat.Dense) error {
	if err := s.store.Append(ctx, s.stream, timestamps, rows); err != nil {
		return err
	}
	s.rows += len(timestamps)
	return nil
}

func (s *StreamSink) CloseInterval() error {
	s.intervals++
	klog.V(3).InfoS("Closed stream interval", "stream", s.stream, "rows", s.rows)
	return nil
}

func (s *StreamSink) Close() error {
	klog.V(2).InfoS("Closed stream sink", "stream", s.stream, "rows", s.rows, "intervals", s.intervals)
	return nil
}

// Stream returns the destination stream path.
func (s *StreamSink) Stream() string {
	return s.stream
}
