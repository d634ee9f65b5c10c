package sink

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/compose"
)

// DefaultBlockSize is the number of rows handed to a sink per Write.
const DefaultBlockSize = 10000

// Sink receives a finished meter signal block by block.
type Sink interface {
	// Write stores rows for samples startIdx..startIdx+len(timestamps).
	Write(ctx context.Context, startIdx int, timestamps []int64, rows *mat.Dense) error
	// CloseInterval marks the end of a contiguous interval of data.
	CloseInterval() error
	Close() error
}

// WriteBuffer streams buf to s in blocks and closes the interval.
func WriteBuffer(ctx context.Context, s Sink, timestamps []int64, buf *compose.Buffer, blockSize int) error {
	if len(timestamps) != buf.Rows() {
		return fmt.Errorf("%d timestamps for a buffer of %d rows", len(timestamps), buf.Rows())
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	for idx := 0; idx < buf.Rows(); idx += blockSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(idx+blockSize, buf.Rows())
		if err := s.Write(ctx, idx, timestamps[idx:end], buf.Slice(idx, end)); err != nil {
			return fmt.Errorf("failed to write rows %d-%d: %v", idx, end, err)
		}
	}

	klog.V(2).InfoS("Wrote meter signal", "rows", buf.Rows(), "blockSize", blockSize)
	return s.CloseInterval()
}

// Tee fans every call out to all of its sinks in order. The first error
// stops the call; Close closes every sink and reports all failures.
type Tee []Sink

func (t Tee) Write(ctx context.Context, startIdx int, timestamps []int64, rows *mat.Dense) error {
	for _, s := range t {
		if err := s.Write(ctx, startIdx, timestamps, rows); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) CloseInterval() error {
	for _, s := range t {
		if err := s.CloseInterval(); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}
